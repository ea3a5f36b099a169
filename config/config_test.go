package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/aacsipc-go/ipc"
)

const sampleConfig = `{
  "ipc": {"cacheCapacity": 5, "transferTimeoutMs": 1500},
  "logging": {"level": "debug"},
  "targets": {
    "Navigation": [
      {"package": "com.example.nav", "class": ".NavService", "type": "SERVICE"},
      {"package": "com.example.ui", "class": "com.example.ui.MapActivity", "type": "ACTIVITY"}
    ]
  },
  "intentTargets": {
    "Alerts": {
      "package": ["com.example.alerts"],
      "class": [".AlertsReceiver"],
      "type": ["RECEIVER"]
    }
  }
}`

// TEST200: Parsing fills defaults for anything left out
func Test200_parse_defaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, ipc.DefaultCacheCapacity, cfg.IPC.CacheCapacity)
	assert.Equal(t, ipc.DefaultMaxEmbeddedBytes, cfg.IPC.MaxEmbeddedBytes)
	assert.Equal(t, ipc.DefaultStreamWorkers, cfg.IPC.StreamWorkers)
	assert.Equal(t, time.Duration(0), cfg.TransferTimeout())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, Default(), cfg)
}

// TEST201: Full documents parse; intentTargets fold into targets
func Test201_parse_full(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.IPC.CacheCapacity)
	assert.Equal(t, 1500*time.Millisecond, cfg.TransferTimeout())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Nil(t, cfg.IntentTargets)
	require.Len(t, cfg.Targets["Alerts"], 1)
	assert.Equal(t, "RECEIVER", cfg.Targets["Alerts"][0].Type)
	assert.Len(t, cfg.SenderOptions(), 4)
}

// TEST202: TargetsFor expands relative class names and keeps file order
func Test202_targets_for(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	dests, err := cfg.TargetsFor("Navigation")
	require.NoError(t, err)
	assert.Equal(t, []ipc.Destination{
		ipc.NewDestination(ipc.DestinationService, "com.example.nav", "com.example.nav.NavService"),
		ipc.NewDestination(ipc.DestinationActivity, "com.example.ui", "com.example.ui.MapActivity"),
	}, dests)

	dests, err = cfg.TargetsFor("Alerts")
	require.NoError(t, err)
	assert.Equal(t, "com.example.alerts.AlertsReceiver", dests[0].Class)

	dests, err = cfg.TargetsFor("Unknown")
	assert.NoError(t, err)
	assert.Nil(t, dests)
}

// TEST203: Schema violations are reported as schema errors
func Test203_schema_rejects(t *testing.T) {
	cases := []string{
		`{"ipc": {"cacheCapacity": 0}}`,
		`{"ipc": {"maxEmbeddedBytes": "big"}}`,
		`{"logging": {"level": "loud"}}`,
		`{"targets": {"T": [{"package": "p", "class": "c", "type": "BROADCAST"}]}}`,
		`{"targets": {"T": [{"package": "p", "type": "SERVICE"}]}}`,
	}
	for _, doc := range cases {
		_, err := Parse([]byte(doc))
		var cerr *Error
		require.ErrorAs(t, err, &cerr, doc)
		assert.Equal(t, ErrorTypeSchema, cerr.Type, doc)
	}

	_, err := Parse([]byte(`{not json`))
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorTypeParse, cerr.Type)
}

// TEST204: intentTargets lists must line up
func Test204_intent_targets_length_mismatch(t *testing.T) {
	_, err := Parse([]byte(`{"intentTargets": {"T": {"package": ["a", "b"], "class": [".A"], "type": ["SERVICE"]}}}`))
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorTypeInvalid, cerr.Type)
	assert.Contains(t, cerr.Error(), "intentTargets.T")
}

// TEST205: Load reports the path on failure
func Test205_load_errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorTypeRead, cerr.Type)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"logging": {"level": 3}}`), 0o644))
	_, err = Load(bad)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, bad, cerr.Path)
	assert.Contains(t, err.Error(), bad)

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(sampleConfig), 0o644))
	cfg, err := Load(good)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.IPC.CacheCapacity)
}

// TEST206: Logging level applies to every library logger
func Test206_apply_logging(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "error"
	assert.NoError(t, cfg.ApplyLogging())

	cfg.Logging.Level = "nonsense"
	assert.Error(t, cfg.ApplyLogging())
}

// TEST207: The watcher delivers valid revisions and skips broken ones
func Test207_watch_reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aacs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	var latest atomic.Pointer[Config]
	var calls atomic.Int32
	w, err := Watch(context.Background(), path, func(cfg *Config) {
		latest.Store(cfg)
		calls.Add(1)
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"ipc": {"cacheCapacity": 7}}`), 0o644))
	assert.Eventually(t, func() bool {
		cfg := latest.Load()
		return cfg != nil && cfg.IPC.CacheCapacity == 7
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"ipc": `), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 7, latest.Load().IPC.CacheCapacity, "broken or unrelated files must not replace the configuration")
	assert.Positive(t, calls.Load())
}

// TEST208: Watching stops with the context
func Test208_watch_context_cancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aacs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	w, err := Watch(ctx, path, func(*Config) {})
	require.NoError(t, err)
	cancel()

	done := make(chan struct{})
	go func() {
		_ = w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}

	_, err = Watch(context.Background(), path, nil)
	assert.Error(t, err)
}
