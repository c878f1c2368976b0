// Package settings holds the operator-tunable runtime settings, their
// per-key coercion rules and their persistence.
package settings

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// TempUnit selects how temperatures are rendered.
type TempUnit string

const (
	Fahrenheit TempUnit = "F"
	Celsius    TempUnit = "C"
)

// Setting keys.
const (
	KeyTempUnit            = "temp_unit"
	KeyHistoryMax          = "history_max"
	KeySampleSecs          = "sample_secs"
	KeyLogRetentionDays    = "log_retention_days"
	KeyDefaultChannel      = "default_channel"
	KeyRequestAck          = "request_ack"
	KeyHideSelfAsRecipient = "hide_self_as_recipient"
	KeyReadOnly            = "read_only"
	KeyShowUnknown         = "show_unknown"
	KeyShowPerPacket       = "show_per_packet"
	KeyHideStaleMins       = "hide_stale_mins"
	KeyAliases             = "aliases"
)

// Settings is the effective value of every known key.
type Settings struct {
	TempUnit            TempUnit          `json:"temp_unit"`
	HistoryMax          int               `json:"history_max"`
	SampleSecs          float64           `json:"sample_secs"`
	LogRetentionDays    int               `json:"log_retention_days"`
	DefaultChannel      int               `json:"default_channel"`
	RequestAck          bool              `json:"request_ack"`
	HideSelfAsRecipient bool              `json:"hide_self_as_recipient"`
	ReadOnly            bool              `json:"read_only"`
	ShowUnknown         bool              `json:"show_unknown"`
	ShowPerPacket       bool              `json:"show_per_packet"`
	HideStaleMins       int               `json:"hide_stale_mins"`
	Aliases             map[string]string `json:"aliases"`
}

// Defaults returns the settings used before anything is loaded or merged.
func Defaults() Settings {
	return Settings{
		TempUnit:            Fahrenheit,
		HistoryMax:          300,
		SampleSecs:          2.0,
		LogRetentionDays:    14,
		DefaultChannel:      0,
		RequestAck:          true,
		HideSelfAsRecipient: true,
		ReadOnly:            false,
		ShowUnknown:         true,
		ShowPerPacket:       true,
		HideStaleMins:       0,
		Aliases:             map[string]string{},
	}
}

// SampleInterval converts SampleSecs to a duration.
func (s Settings) SampleInterval() time.Duration {
	return time.Duration(s.SampleSecs * float64(time.Second))
}

// StaleAfter returns the hide_stale_mins window, zero when disabled.
func (s Settings) StaleAfter() time.Duration {
	return time.Duration(s.HideStaleMins) * time.Minute
}

// Alias returns the operator alias for id, or "".
func (s Settings) Alias(id string) string {
	return s.Aliases[id]
}

// Clone returns a copy that shares no maps with s.
func (s Settings) Clone() Settings {
	out := s
	out.Aliases = make(map[string]string, len(s.Aliases))
	for k, v := range s.Aliases {
		out.Aliases[k] = v
	}
	return out
}

type intRange struct{ min, max int }

var (
	historyMaxRange    = intRange{1, 5000}
	retentionRange     = intRange{1, 365}
	channelRange       = intRange{0, 7}
	hideStaleMinsRange = intRange{0, 10080}
)

const (
	sampleSecsMin = 0.0
	sampleSecsMax = 3600.0
)

// Apply coerces every known key in partial onto a copy of s. Values that do
// not coerce leave the previous value in place; numbers are clamped to their
// range; unknown keys are ignored.
func (s Settings) Apply(partial map[string]any) Settings {
	out := s.Clone()
	for key, raw := range partial {
		switch key {
		case KeyTempUnit:
			if v, ok := toTempUnit(raw); ok {
				out.TempUnit = v
			}
		case KeyHistoryMax:
			out.HistoryMax = coerceInt(raw, out.HistoryMax, historyMaxRange)
		case KeySampleSecs:
			if v, ok := toFloat(raw); ok {
				out.SampleSecs = math.Min(math.Max(v, sampleSecsMin), sampleSecsMax)
			}
		case KeyLogRetentionDays:
			out.LogRetentionDays = coerceInt(raw, out.LogRetentionDays, retentionRange)
		case KeyDefaultChannel:
			out.DefaultChannel = coerceInt(raw, out.DefaultChannel, channelRange)
		case KeyRequestAck:
			out.RequestAck = coerceBool(raw, out.RequestAck)
		case KeyHideSelfAsRecipient:
			out.HideSelfAsRecipient = coerceBool(raw, out.HideSelfAsRecipient)
		case KeyReadOnly:
			out.ReadOnly = coerceBool(raw, out.ReadOnly)
		case KeyShowUnknown:
			out.ShowUnknown = coerceBool(raw, out.ShowUnknown)
		case KeyShowPerPacket:
			out.ShowPerPacket = coerceBool(raw, out.ShowPerPacket)
		case KeyHideStaleMins:
			out.HideStaleMins = coerceInt(raw, out.HideStaleMins, hideStaleMinsRange)
		case KeyAliases:
			if v, ok := toAliases(raw); ok {
				out.Aliases = v
			}
		}
	}
	return out
}

func toTempUnit(raw any) (TempUnit, bool) {
	str, ok := raw.(string)
	if !ok {
		return "", false
	}
	switch TempUnit(strings.ToUpper(strings.TrimSpace(str))) {
	case Fahrenheit:
		return Fahrenheit, true
	case Celsius:
		return Celsius, true
	}
	return "", false
}

func coerceInt(raw any, prev int, r intRange) int {
	v, ok := toFloat(raw)
	if !ok {
		return prev
	}
	// Clamp before converting: out-of-range floats have no defined int value.
	v = math.Max(float64(r.min), math.Min(math.Trunc(v), float64(r.max)))
	return int(v)
}

func toFloat(raw any) (float64, bool) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case int32:
		v = float64(n)
	case uint32:
		v = float64(n)
	case uint64:
		v = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func coerceBool(raw any, prev bool) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
		return prev
	}
	if f, ok := toFloat(raw); ok {
		return f != 0
	}
	return prev
}

func toAliases(raw any) (map[string]string, bool) {
	out := map[string]string{}
	switch m := raw.(type) {
	case map[string]string:
		for id, name := range m {
			addAlias(out, id, name)
		}
	case map[string]any:
		for id, v := range m {
			name, ok := v.(string)
			if !ok {
				continue
			}
			addAlias(out, id, name)
		}
	default:
		return nil, false
	}
	return out, true
}

func addAlias(dst map[string]string, id, name string) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" || name == "" {
		return
	}
	dst[id] = name
}
