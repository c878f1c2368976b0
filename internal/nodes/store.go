// Package nodes consolidates the packets heard from each device into one
// continuously enriched record per device.
package nodes

import (
	"math"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aminovpavel/meshgate/internal/mesh"
)

const (
	// MaxTextLen bounds the last-text preview kept per device, in runes.
	MaxTextLen = 120
	// PressureScaleThreshold marks readings reported in hundredths (Pa).
	PressureScaleThreshold = 1100.0
)

// Record is the aggregated state of one device. Nil pointers mean the value
// has never been reported.
type Record struct {
	ID          string
	Name        string
	To          string
	RSSI        *float64
	SNR         *float64
	Battery     *float64
	Voltage     *float64
	TempC       *float64
	Humidity    *float64
	PressureHPA *float64
	Latitude    *float64
	Longitude   *float64
	Altitude    *float64
	Text        string
	FirstSeen   time.Time
	Updated     time.Time
}

// TempF derives Fahrenheit from the stored Celsius reading.
func (r Record) TempF() *float64 {
	if r.TempC == nil {
		return nil
	}
	return mesh.Float(CelsiusToFahrenheit(*r.TempC))
}

func (r Record) clone() Record {
	out := r
	out.RSSI = copyFloat(r.RSSI)
	out.SNR = copyFloat(r.SNR)
	out.Battery = copyFloat(r.Battery)
	out.Voltage = copyFloat(r.Voltage)
	out.TempC = copyFloat(r.TempC)
	out.Humidity = copyFloat(r.Humidity)
	out.PressureHPA = copyFloat(r.PressureHPA)
	out.Latitude = copyFloat(r.Latitude)
	out.Longitude = copyFloat(r.Longitude)
	out.Altitude = copyFloat(r.Altitude)
	return out
}

// Store owns every device record.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	names   NameSource
}

// NameSource resolves a device's advertised name.
type NameSource interface {
	Name(id string) string
}

// NewStore creates an empty store. names may be nil.
func NewStore(names NameSource) *Store {
	return &Store{
		records: make(map[string]*Record),
		names:   names,
	}
}

// Apply folds one packet from id into its record. It reports whether any
// chartable state changed and returns a copy of the record.
func (s *Store) Apply(id string, pkt mesh.Packet, now time.Time) (bool, Record) {
	friendly := ""
	if s.names != nil {
		friendly = s.names.Name(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		rec = &Record{ID: id, Name: friendly, FirstSeen: now}
		s.records[id] = rec
	}
	if rec.Name == "" && friendly != "" {
		rec.Name = friendly
	}
	rec.To = pkt.To
	setIfValid(&rec.RSSI, pkt.RSSI)
	setIfValid(&rec.SNR, pkt.SNR)

	changed := false
	switch pkt.Kind {
	case mesh.KindText:
		rec.Text = truncate(pkt.Text, MaxTextLen)
		rec.Updated = now
		changed = true
	case mesh.KindPosition:
		if pos := pkt.Position; pos != nil {
			setIfValid(&rec.Latitude, pos.Latitude)
			setIfValid(&rec.Longitude, pos.Longitude)
			setIfValid(&rec.Altitude, pos.Altitude)
			rec.Updated = now
			changed = true
		}
	case mesh.KindTelemetry:
		if tele := pkt.Telemetry; tele != nil {
			applyTelemetry(rec, tele)
		}
		rec.Updated = now
		changed = true
	}

	return changed, rec.clone()
}

func applyTelemetry(rec *Record, tele *mesh.Telemetry) {
	setIfValid(&rec.Battery, tele.BatteryLevel)
	setIfValid(&rec.Voltage, tele.Voltage)
	setIfValid(&rec.Humidity, tele.Humidity)

	if c := valid(tele.TemperatureC); c != nil {
		rec.TempC = c
	} else if f := valid(tele.TemperatureF); f != nil {
		rec.TempC = mesh.Float(FahrenheitToCelsius(*f))
	}

	if p := valid(tele.Pressure); p != nil {
		rec.PressureHPA = mesh.Float(NormalizePressure(*p))
	}
}

// Get returns a copy of one record.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Snapshot copies every record, most recently updated first.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Updated.Equal(out[j].Updated) {
			return out[i].Updated.After(out[j].Updated)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs lists every device heard so far.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}

// LastUpdated returns the device's last update time, zero when unknown.
func (s *Store) LastUpdated(id string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[id]; ok {
		return rec.Updated
	}
	return time.Time{}
}

// Len returns the number of tracked devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// NormalizePressure converts readings above the threshold from hundredths
// (Pa) to hPa. Values at or below it pass through.
func NormalizePressure(p float64) float64 {
	if p > PressureScaleThreshold {
		return p / 100.0
	}
	return p
}

// CelsiusToFahrenheit applies °F = °C×9/5+32.
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// FahrenheitToCelsius inverts CelsiusToFahrenheit.
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func valid(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return mesh.Float(*v)
}

func setIfValid(dst **float64, v *float64) {
	if c := valid(v); c != nil {
		*dst = c
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return mesh.Float(*v)
}
