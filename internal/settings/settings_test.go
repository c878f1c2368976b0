package settings_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshgate/internal/settings"
)

func TestApplyCoercesAndClamps(t *testing.T) {
	tests := []struct {
		name    string
		partial map[string]any
		check   func(t *testing.T, s settings.Settings)
	}{
		{
			name:    "int from json number",
			partial: map[string]any{"history_max": float64(42)},
			check:   func(t *testing.T, s settings.Settings) { assert.Equal(t, 42, s.HistoryMax) },
		},
		{
			name:    "int from string",
			partial: map[string]any{"history_max": " 17 "},
			check:   func(t *testing.T, s settings.Settings) { assert.Equal(t, 17, s.HistoryMax) },
		},
		{
			name:    "int clamped high",
			partial: map[string]any{"history_max": 999999},
			check:   func(t *testing.T, s settings.Settings) { assert.Equal(t, 5000, s.HistoryMax) },
		},
		{
			name:    "int clamped low",
			partial: map[string]any{"default_channel": -3},
			check:   func(t *testing.T, s settings.Settings) { assert.Equal(t, 0, s.DefaultChannel) },
		},
		{
			name:    "huge int clamped to max",
			partial: map[string]any{"history_max": 1e20},
			check:   func(t *testing.T, s settings.Settings) { assert.Equal(t, 5000, s.HistoryMax) },
		},
		{
			name:    "huge negative int clamped to min",
			partial: map[string]any{"history_max": -1e20, "hide_stale_mins": "1e30"},
			check: func(t *testing.T, s settings.Settings) {
				assert.Equal(t, 1, s.HistoryMax)
				assert.Equal(t, 10080, s.HideStaleMins)
			},
		},
		{
			name:    "bad int keeps previous",
			partial: map[string]any{"history_max": "lots"},
			check:   func(t *testing.T, s settings.Settings) { assert.Equal(t, 300, s.HistoryMax) },
		},
		{
			name:    "float clamped",
			partial: map[string]any{"sample_secs": 7200.0},
			check:   func(t *testing.T, s settings.Settings) { assert.Equal(t, 3600.0, s.SampleSecs) },
		},
		{
			name:    "bool from string",
			partial: map[string]any{"read_only": "yes", "request_ack": "off"},
			check: func(t *testing.T, s settings.Settings) {
				assert.True(t, s.ReadOnly)
				assert.False(t, s.RequestAck)
			},
		},
		{
			name:    "bool from number",
			partial: map[string]any{"show_unknown": float64(0), "read_only": 2},
			check: func(t *testing.T, s settings.Settings) {
				assert.False(t, s.ShowUnknown)
				assert.True(t, s.ReadOnly)
			},
		},
		{
			name:    "bad bool keeps previous",
			partial: map[string]any{"request_ack": "maybe"},
			check:   func(t *testing.T, s settings.Settings) { assert.True(t, s.RequestAck) },
		},
		{
			name:    "temp unit",
			partial: map[string]any{"temp_unit": "c"},
			check:   func(t *testing.T, s settings.Settings) { assert.Equal(t, settings.Celsius, s.TempUnit) },
		},
		{
			name:    "bad temp unit keeps previous",
			partial: map[string]any{"temp_unit": "K"},
			check:   func(t *testing.T, s settings.Settings) { assert.Equal(t, settings.Fahrenheit, s.TempUnit) },
		},
		{
			name:    "aliases replaced and blanks dropped",
			partial: map[string]any{"aliases": map[string]any{"!a": "Base", "!b": " ", "!c": 4}},
			check: func(t *testing.T, s settings.Settings) {
				assert.Equal(t, map[string]string{"!a": "Base"}, s.Aliases)
			},
		},
		{
			name:    "unknown key ignored",
			partial: map[string]any{"colour": "blue"},
			check:   func(t *testing.T, s settings.Settings) { assert.Equal(t, settings.Defaults(), s) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, settings.Defaults().Apply(tt.partial))
		})
	}
}

func TestApplyDoesNotAliasMaps(t *testing.T) {
	base := settings.Defaults()
	base.Aliases["!a"] = "A"

	next := base.Apply(map[string]any{"history_max": 5})
	next.Aliases["!a"] = "changed"

	assert.Equal(t, "A", base.Aliases["!a"])
}

func TestSampleInterval(t *testing.T) {
	s := settings.Defaults().Apply(map[string]any{"sample_secs": 0.5})
	assert.Equal(t, 500*time.Millisecond, s.SampleInterval())
}

func TestMergeRunsHooksAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store := settings.NewStore(settings.WithPersister(settings.NewFilePersister(path)))

	var gotPrev, gotNext settings.Settings
	calls := 0
	store.OnChange(func(prev, next settings.Settings) {
		calls++
		gotPrev, gotNext = prev, next
	})

	eff := store.Merge(context.Background(), map[string]any{"history_max": 5})

	assert.Equal(t, 5, eff.HistoryMax)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 300, gotPrev.HistoryMax)
	assert.Equal(t, 5, gotNext.HistoryMax)
	assert.Equal(t, 5, store.Get().HistoryMax)

	reloaded := settings.NewStore(settings.WithPersister(settings.NewFilePersister(path)))
	loaded := reloaded.Load(context.Background())
	assert.Equal(t, 5, loaded.HistoryMax)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	store := settings.NewStore(settings.WithPersister(settings.NewFilePersister(filepath.Join(t.TempDir(), "none.json"))))
	assert.Equal(t, settings.Defaults(), store.Load(context.Background()))
}

func TestLoadCorruptFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store := settings.NewStore(settings.WithPersister(settings.NewFilePersister(path)))
	assert.Equal(t, settings.Defaults(), store.Load(context.Background()))
}

func TestSaveFailureKeepsMemoryValue(t *testing.T) {
	store := settings.NewStore(settings.WithPersister(failingPersister{}))

	eff := store.Merge(context.Background(), map[string]any{"read_only": true})

	assert.True(t, eff.ReadOnly)
	assert.True(t, store.Get().ReadOnly)
}

func TestFilePersisterLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	p := settings.NewFilePersister(filepath.Join(dir, "settings.json"))
	require.NoError(t, p.Save(context.Background(), settings.Defaults()))
	require.NoError(t, p.Save(context.Background(), settings.Defaults()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "settings.json", entries[0].Name())
}

type failingPersister struct{}

func (failingPersister) Load(context.Context) (map[string]any, error) {
	return nil, errors.New("boom")
}

func (failingPersister) Save(context.Context, settings.Settings) error {
	return errors.New("disk full")
}
