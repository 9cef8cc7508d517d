package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"roomcal/internal/agent"
	"roomcal/internal/battery"
	"roomcal/internal/config"
	appLog "roomcal/internal/log"
	"roomcal/internal/model"
	"roomcal/internal/schedule"
)

const version = "0.1.0"

type flagConfig struct {
	configPath     string
	envFile        string
	serverURL      string
	roomID         string
	once           bool
	statusInterval time.Duration
}

func main() {
	flags := parseFlags()

	if err := config.LoadDotenv(flags.envFile); err != nil {
		appLog.Error("failed to load env file", err, "path", flags.envFile)
		os.Exit(1)
	}
	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if err := conf.ApplyEnv(os.LookupEnv); err != nil {
		appLog.Error("invalid environment override", err)
		os.Exit(1)
	}
	if flags.serverURL != "" {
		conf.Display.ServerURL = flags.serverURL
	}
	if flags.roomID != "" {
		conf.Display.RoomID = flags.roomID
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	d := conf.Display
	loc, err := conf.DisplayLocation()
	if err != nil {
		appLog.Error("invalid display timezone", err)
		os.Exit(1)
	}

	appLog.Info("roomsign starting", "version", version)
	appLog.Info("effective config",
		"server_url", d.ServerURL,
		"tenant_id", d.TenantID,
		"room_id", d.RoomID,
		"device_id", d.DeviceID,
		"timezone", loc.String(),
		"rollover", d.Rollover,
		"cache_dir", d.CacheDir,
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ccfg := agent.ClientConfig{
		ServerURL: d.ServerURL,
		TenantID:  d.TenantID,
		RoomID:    d.RoomID,
		DeviceID:  d.DeviceID,
		CacheDir:  d.CacheDir,
		Battery:   battery.DefaultReader(ctx, d.BatteryI2CBus, d.BatteryI2CAddr),
	}
	if d.BasicAuth != nil {
		ccfg.Username, ccfg.Password = d.BasicAuth.Username, d.BasicAuth.Password
	}
	client, err := agent.NewClient(ccfg)
	if err != nil {
		appLog.Error("invalid display config", err)
		os.Exit(1)
	}

	if flags.once {
		if err := runOnce(ctx, client, loc); err != nil {
			appLog.Error("fetch failed", err, "server_url", d.ServerURL)
			os.Exit(1)
		}
		return
	}

	initial, cachedAt, ok := client.Cached()
	if ok {
		appLog.Info("showing cached events until the first fetch", "events", len(initial), "cached_at", cachedAt)
	}
	a, err := agent.New(agent.Options{
		Fetcher:         client,
		Subscriber:      client,
		Heartbeater:     client,
		Location:        loc,
		ReconnectDelay:  d.ReconnectDelay,
		PollInterval:    d.PollInterval,
		StaleAfter:      d.StaleAfter,
		FreshnessWindow: d.FreshnessWindow,
		Rollover:        d.Rollover,
		Initial:         initial,
	})
	if err != nil {
		appLog.Error("failed to create agent", err)
		os.Exit(1)
	}
	a.Start()
	defer a.Close()

	ticker := time.NewTicker(flags.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			appLog.Info("roomsign exiting")
			return
		case <-ticker.C:
			logStatus(a.Snapshot())
		}
	}
}

// runOnce fetches today's events, prints the day as JSON and exits.
func runOnce(ctx context.Context, client *agent.Client, loc *time.Location) error {
	now := time.Now()
	date := model.DateIn(now, loc)
	events, err := client.Fetch(ctx, date.In(loc), date.AddDays(1).In(loc))
	if err != nil {
		return err
	}
	past, current, upcoming := schedule.Classify(schedule.Day(events, date, loc), now)
	out := struct {
		Date     model.Date         `json:"date"`
		Past     []model.Occurrence `json:"past"`
		Current  []model.Occurrence `json:"current"`
		Upcoming []model.Occurrence `json:"upcoming"`
	}{date, past, current, upcoming}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func logStatus(s agent.Snapshot) {
	kv := []any{
		"state", s.State.String(),
		"online", s.Online,
		"date", s.Date.String(),
		"current", len(s.Current),
		"upcoming", len(s.Upcoming),
		"last_fetch", s.LastFetch,
	}
	if len(s.Current) > 0 {
		kv = append(kv, "now_showing", s.Current[0].Title, "until", s.Current[0].End)
	} else if len(s.Upcoming) > 0 {
		kv = append(kv, "next", s.Upcoming[0].Title, "at", s.Upcoming[0].Start)
	}
	appLog.Info("display status", kv...)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVarP(&cfg.configPath, "config", "c", "/etc/roomcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env-file", ".env", "Dotenv file with ROOMCAL_* overrides")
	flag.StringVar(&cfg.serverURL, "server", "", "roomcal server URL (overrides config if set)")
	flag.StringVar(&cfg.roomID, "room", "", "Room id (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Fetch today's events once, print them and exit")
	flag.DurationVar(&cfg.statusInterval, "status-interval", time.Minute, "How often to log the display status")

	flag.Parse()
	if cfg.statusInterval <= 0 {
		cfg.statusInterval = time.Minute
	}

	return cfg
}
