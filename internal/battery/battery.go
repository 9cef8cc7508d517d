// Package battery reads the charge of a display's battery gauge so the
// agent can include it in device heartbeats.
package battery

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	appLog "roomcal/internal/log"
)

// ErrUnavailable is returned by readers with no gauge behind them.
var ErrUnavailable = errors.New("battery: no gauge available")

// DefaultAddr is the usual 7-bit address of a PiSugar gauge.
const DefaultAddr uint16 = 0x57

// Gauge registers.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

type Status struct {
	// Percent is the charge level, 0-100.
	Percent int `json:"percent"`
	// VoltageMv is the cell voltage in millivolts, 0 when unknown.
	VoltageMv int `json:"voltage_mv"`
}

type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// None returns a Reader that always fails with ErrUnavailable.
func None() Reader { return noneReader{} }

type noneReader struct{}

func (noneReader) Read(context.Context) (Status, error) { return Status{}, ErrUnavailable }

// Static returns a Reader that always reports s.
func Static(s Status) Reader { return staticReader(s) }

type staticReader Status

func (r staticReader) Read(context.Context) (Status, error) { return Status(r), nil }

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// i2cReader talks to the gauge over I2C. The bus is opened per read; reads
// happen once per successful fetch, far too rarely to keep it open.
type i2cReader struct {
	bus  string
	addr uint16
}

// NewI2CReader reads the gauge at addr on bus ("" selects the default bus).
func NewI2CReader(bus string, addr uint16) Reader {
	if addr == 0 {
		addr = DefaultAddr
	}
	return &i2cReader{bus: bus, addr: addr}
}

func (r *i2cReader) Read(ctx context.Context) (Status, error) {
	if runtime.GOOS != "linux" {
		return Status{}, ErrUnavailable
	}
	if err := hostInit(); err != nil {
		return Status{}, fmt.Errorf("battery: host init: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}

	bus, err := i2creg.Open(r.bus)
	if err != nil {
		return Status{}, fmt.Errorf("battery: open bus %q: %w", r.bus, err)
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: r.addr}
	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, fmt.Errorf("battery: read 0x%02x: %w", reg, err)
		}
		return buf[0], nil
	}

	high, err := readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	return decode(high, low, pct), nil
}

func decode(high, low, pct byte) Status {
	p := int(pct)
	if p > 100 {
		p = 100
	}
	return Status{
		Percent:   p,
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}
}

// DefaultReader probes the gauge once and falls back to None when it
// cannot be read, so hosts without the hardware send heartbeats without
// battery data.
func DefaultReader(ctx context.Context, bus string, addr uint16) Reader {
	r := NewI2CReader(bus, addr)
	if _, err := r.Read(ctx); err != nil {
		appLog.Info("battery gauge not available; heartbeats carry no battery data", "bus", bus, "err", err)
		return None()
	}
	return r
}
