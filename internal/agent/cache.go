package agent

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// cacheMeta describes the last event list the server returned.
type cacheMeta struct {
	URL       string    `json:"url"`
	ETag      string    `json:"etag,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// diskCache keeps the most recent event list body on disk so a display
// that boots while the server is unreachable still has something to show.
// A zero dir disables it.
type diskCache struct {
	dir string
}

const (
	cacheMetaFile = "meta.json"
	cacheBodyFile = "events.json"
)

func (c diskCache) load() (cacheMeta, []byte, error) {
	var meta cacheMeta
	if c.dir == "" {
		return meta, nil, errors.New("cache disabled")
	}
	data, err := os.ReadFile(filepath.Join(c.dir, cacheMetaFile))
	if err != nil {
		return meta, nil, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheMeta{}, nil, err
	}
	body, err := os.ReadFile(filepath.Join(c.dir, cacheBodyFile))
	if err != nil {
		return cacheMeta{}, nil, err
	}
	return meta, body, nil
}

func (c diskCache) save(meta cacheMeta, body []byte) error {
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(c.dir, cacheBodyFile), body, 0o600); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, cacheMetaFile), data, 0o600)
}
