package orient

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/duckpond/internal/kv"
)

var testMachine = &Machine{
	Name:     "pondside",
	Cores:    8,
	RAM:      "32GB RAM",
	GPU:      "RTX 4090",
	Uptime:   "2d 3h",
	DiskFree: "100G free",
}

func TestSystemPromptWithHUD(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, kv.HUDWeather, "Sunny, 21C", 0))
	require.NoError(t, store.Set(ctx, kv.HUDToday, "Fixed the pond pump.\n", 0))
	require.NoError(t, store.Set(ctx, kv.HUDCalendar, "3pm dentist", 0))
	require.NoError(t, store.Set(ctx, kv.HUDTodos, "- ship duckpond", 0))

	now := time.Date(2025, 6, 9, 14, 30, 0, 0, time.UTC)
	b := New(Options{Store: store, Location: time.UTC, Now: func() time.Time { return now }, Machine: testMachine})

	got := b.SystemPrompt(ctx, "You are Alpha.\n")
	want := `You are Alpha.

<duckpond-present>
Machine: pondside, 8 cores, 32GB RAM, RTX 4090, up 2d 3h, 100G free.
Weather: Sunny, 21C
</duckpond-present>

<duckpond-today header="Monday Jun 9 2025 so far">
Fixed the pond pump.
</duckpond-today>

<duckpond-ahead>
Calendar:
3pm dentist
Todos:
- ship duckpond
</duckpond-ahead>`
	assert.Equal(t, want, got)
}

func TestSystemPromptOmitsMissingHUD(t *testing.T) {
	m := *testMachine
	m.GPU = ""
	b := New(Options{Store: kv.NewMemory(), Location: time.UTC, Machine: &m})

	got := b.SystemPrompt(context.Background(), "base")
	assert.Equal(t, `base

<duckpond-present>
Machine: pondside, 8 cores, 32GB RAM, up 2d 3h, 100G free.
</duckpond-present>`, got)
}

type downStore struct{ kv.Store }

func (downStore) Get(context.Context, string) (string, error) {
	return "", assert.AnError
}

func TestSystemPromptStoreDown(t *testing.T) {
	b := New(Options{Store: downStore{kv.NewMemory()}, Machine: testMachine})
	got := b.SystemPrompt(context.Background(), "base")
	assert.Contains(t, got, "Machine: pondside")
	assert.NotContains(t, got, "Weather")
}

func TestMemTotal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(path, []byte("MemTotal:       32768000 kB\nMemFree: 1 kB\n"), 0o644))
	assert.Equal(t, "31GB RAM", memTotal(path))
	assert.Equal(t, "unknown", memTotal(filepath.Join(t.TempDir(), "missing")))
}

func TestUptime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uptime")
	require.NoError(t, os.WriteFile(path, []byte("183600.52 100.00\n"), 0o644))
	assert.Equal(t, "2d 3h", uptime(path))
	assert.Equal(t, "5h", formatUptime(5*time.Hour+20*time.Minute))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "2K", formatBytes(2048))
	assert.Equal(t, "100G", formatBytes(100<<30))
}

func TestDetectMachineShortName(t *testing.T) {
	m := DetectMachine("pondside.local")
	assert.Equal(t, "pondside", m.Name)
	assert.Positive(t, m.Cores)
	assert.NotEmpty(t, m.DiskFree)
}
