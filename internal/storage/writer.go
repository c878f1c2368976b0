package storage

import (
	"context"
	"time"
)

// Activity is one row of the per-packet activity log.
type Activity struct {
	Time        time.Time
	Event       string
	From        string
	To          string
	PortName    string
	RSSI        *float64
	SNR         *float64
	Battery     *float64
	Voltage     *float64
	TempC       *float64
	TempF       *float64
	Humidity    *float64
	PressureHPA *float64
	Latitude    *float64
	Longitude   *float64
	Altitude    *float64
	Text        string
	// Topic and Raw keep the original uplink so the row can be replayed.
	Topic string
	Raw   []byte
}

// Writer persists activity rows to the backing store.
type Writer interface {
	Store(ctx context.Context, row Activity) error
}

// NopWriter drops rows (useful for tests and when the activity log is off).
type NopWriter struct{}

// Store implements Writer by doing nothing.
func (NopWriter) Store(_ context.Context, _ Activity) error {
	return nil
}
