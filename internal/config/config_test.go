// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseFile(t *testing.T) {
	path := writeTemp(t, "labrig.conf", `
# master settings
data_dir = /data/recordings
session_prefix=study
; semicolon comment
api_port = 9090

trial_start_timeout = 2.5
gui_start_minimized = yes
`)

	v, err := ParseFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/recordings", v.String("data_dir", ""))
	assert.Equal(t, "study", v.String("session_prefix", ""))
	assert.Equal(t, 9090, v.Int("api_port", 0))
	assert.Equal(t, 2500*time.Millisecond, v.Seconds("trial_start_timeout", 0))
	assert.True(t, v.Bool("gui_start_minimized", false))
}

func TestParseFileErrors(t *testing.T) {
	t.Run("missing equals", func(t *testing.T) {
		path := writeTemp(t, "bad.conf", "data_dir /tmp\n")
		_, err := ParseFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing '='")
	})

	t.Run("empty key", func(t *testing.T) {
		path := writeTemp(t, "bad.conf", "= value\n")
		_, err := ParseFile(path)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ParseFile(filepath.Join(t.TempDir(), "absent.conf"))
		require.Error(t, err)
	})
}

func TestValuesFallbacks(t *testing.T) {
	v := Values{
		"bad_bool":  "maybe",
		"bad_int":   "ten",
		"bad_float": "x",
		"neg_dur":   "-1",
	}

	assert.True(t, v.Bool("bad_bool", true))
	assert.Equal(t, 7, v.Int("bad_int", 7))
	assert.Equal(t, 1.5, v.Float("bad_float", 1.5))
	assert.Equal(t, time.Second, v.Seconds("neg_dur", time.Second))
	assert.Equal(t, "d", v.String("absent", "d"))
	assert.True(t, v.Has("bad_bool"))
	assert.False(t, v.Has("absent"))
}

func TestBoolSpellings(t *testing.T) {
	for _, s := range []string{"true", "TRUE", "yes", "on", "1"} {
		b, err := parseBool(s)
		require.NoError(t, err, s)
		assert.True(t, b, s)
	}
	for _, s := range []string{"false", "no", "OFF", "0"} {
		b, err := parseBool(s)
		require.NoError(t, err, s)
		assert.False(t, b, s)
	}
	_, err := parseBool("2")
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	o, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "session", o.SessionPrefix)
	assert.Equal(t, 8080, o.APIPort)
	assert.Equal(t, 15*time.Second, o.InitTimeout)
	assert.Equal(t, 3*time.Second, o.TrialStartTimeout)
	assert.Equal(t, 5*time.Second, o.TrialStopTimeout)
	assert.Equal(t, "memory", o.CacheBackend)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeTemp(t, "labrig.conf", "api_port = 9001\nlog_level = debug\n")
	t.Setenv("LABRIG_API_PORT", "9002")

	o, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9002, o.APIPort, "env wins over file")
	assert.Equal(t, "debug", o.LogLevel, "file wins over default")
}

func TestLoadFullFile(t *testing.T) {
	path := writeTemp(t, "labrig.conf", `
data_dir = /data/rig
session_prefix = study
log_level = warn
log_file = /var/log/labrig/master.log
discovery_retry_interval = 2
trial_start_timeout = 1.5
trial_stop_timeout = 4
init_timeout = 30
gui_start_minimized = yes
api_port = 9090
api_debug = true
api_rate_limit = 25
cache_backend = redis
redis_addr = 127.0.0.1:6379
tracing_enabled = on
tracing_exporter = http
tracing_endpoint = 127.0.0.1:4318
tracing_sample_rate = 0.5
`)

	got, err := Load(path)
	require.NoError(t, err)

	want := Options{
		DataDir:                "/data/rig",
		SessionPrefix:          "study",
		LogLevel:               "warn",
		LogFile:                "/var/log/labrig/master.log",
		DiscoveryRetryInterval: 2 * time.Second,
		TrialStartTimeout:      1500 * time.Millisecond,
		TrialStopTimeout:       4 * time.Second,
		InitTimeout:            30 * time.Second,
		GUIStartMinimized:      true,
		APIPort:                9090,
		APIDebug:               true,
		APIRateLimit:           25,
		CacheBackend:           "redis",
		RedisAddr:              "127.0.0.1:6379",
		TracingEnabled:         true,
		TracingExporter:        "http",
		TracingEndpoint:        "127.0.0.1:4318",
		TracingSampleRate:      0.5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Run("bad port", func(t *testing.T) {
		path := writeTemp(t, "labrig.conf", "api_port = 70000\n")
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("redis needs addr", func(t *testing.T) {
		path := writeTemp(t, "labrig.conf", "cache_backend = redis\n")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis_addr")
	})

	t.Run("tracing needs endpoint", func(t *testing.T) {
		path := writeTemp(t, "labrig.conf", "tracing_enabled = true\n")
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestLoadModule(t *testing.T) {
	path := writeTemp(t, "cameras.conf", `
fps = 29.97
width = 1920
height = 1080
auto_start_recording = yes
pixel_format = yuyv
`)

	o, err := LoadModule(path)
	require.NoError(t, err)

	assert.InDelta(t, 29.97, o.FPS, 0.001)
	assert.Equal(t, 1920, o.Width)
	assert.Equal(t, 1080, o.Height)
	assert.True(t, o.AutoStartRecording)
	assert.True(t, o.AutoSelectNew, "default preserved")
	assert.Equal(t, "yuyv", o.Raw.String("pixel_format", ""), "extras stay reachable")
}

func TestLoadModuleRejectsBadRates(t *testing.T) {
	path := writeTemp(t, "m.conf", "fps = 0\n")
	_, err := LoadModule(path)
	require.Error(t, err)

	path = writeTemp(t, "m2.conf", "sample_rate = -1\n")
	_, err = LoadModule(path)
	require.Error(t, err)
}

func TestManifestBuiltin(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Len(t, m.Modules, 7)

	d, ok := m.Lookup("cameras")
	require.True(t, ok)
	assert.True(t, d.SupportsSnapshot)
	assert.Equal(t, 2, d.ModuleID)

	assert.Equal(t,
		[]string{"audio", "cameras", "gps", "eyetracker", "drt", "vog", "notes"},
		m.Names())
}

func TestManifestFile(t *testing.T) {
	path := writeTemp(t, "modules.yaml", `
modules:
  - name: gps
    display_name: GPS
    module_id: 3
    entry_point: ["/opt/labrig/bin/labrig-module", "-module", "gps"]
  - name: audio
    display_name: Audio
    module_id: 1
    has_gui: true
`)

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Modules, 2)

	assert.Equal(t, "audio", m.Modules[0].Name, "sorted by module_id")
	d, ok := m.Lookup("gps")
	require.True(t, ok)
	assert.Equal(t, []string{"/opt/labrig/bin/labrig-module", "-module", "gps"}, d.EntryPoint)
}

func TestManifestValidation(t *testing.T) {
	cases := map[string]string{
		"duplicate name": `
modules:
  - {name: gps, module_id: 1}
  - {name: gps, module_id: 2}
`,
		"duplicate id": `
modules:
  - {name: gps, module_id: 1}
  - {name: audio, module_id: 1}
`,
		"zero id": `
modules:
  - {name: gps, module_id: 0}
`,
		"empty": `
modules: []
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeTemp(t, "modules.yaml", content)
			_, err := LoadManifest(path)
			require.Error(t, err)
		})
	}
}

func TestHolderReload(t *testing.T) {
	path := writeTemp(t, "labrig.conf", "api_port = 9001\n")

	h, err := NewHolder(path)
	require.NoError(t, err)
	defer h.Stop()
	assert.Equal(t, 9001, h.Get().APIPort)

	updates := make(chan Options, 1)
	h.RegisterListener(updates)

	require.NoError(t, os.WriteFile(path, []byte("api_port = 9002\n"), 0o644))
	require.NoError(t, h.Reload())
	assert.Equal(t, 9002, h.Get().APIPort)

	select {
	case o := <-updates:
		assert.Equal(t, 9002, o.APIPort)
	default:
		t.Fatal("listener not notified")
	}
}

func TestHolderReloadKeepsPreviousOnError(t *testing.T) {
	path := writeTemp(t, "labrig.conf", "api_port = 9001\n")

	h, err := NewHolder(path)
	require.NoError(t, err)
	defer h.Stop()

	require.NoError(t, os.WriteFile(path, []byte("api_port = 70000\n"), 0o644))
	require.Error(t, h.Reload())
	assert.Equal(t, 9001, h.Get().APIPort, "previous config stays active")
}

func TestHolderWatcher(t *testing.T) {
	path := writeTemp(t, "labrig.conf", "api_port = 9001\n")

	h, err := NewHolder(path)
	require.NoError(t, err)
	defer h.Stop()
	require.NoError(t, h.StartWatcher())

	updates := make(chan Options, 1)
	h.RegisterListener(updates)

	require.NoError(t, os.WriteFile(path, []byte("api_port = 9003\n"), 0o644))

	select {
	case o := <-updates:
		assert.Equal(t, 9003, o.APIPort)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not deliver reload")
	}
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := OpenState(path)
	require.NoError(t, err)

	_, ok := s.Preference("cameras", "layout")
	assert.False(t, ok)
	require.NoError(t, s.SetPreference("cameras", "layout", "grid"))
	require.NoError(t, s.SetPreference("cameras", "primary", "cam0"))
	require.NoError(t, s.SetPreference("audio", "meter", "rms"))

	reopened, err := OpenState(path)
	require.NoError(t, err)
	v, ok := reopened.Preference("cameras", "layout")
	require.True(t, ok)
	assert.Equal(t, "grid", v)
	assert.Equal(t, map[string]string{"layout": "grid", "primary": "cam0"}, reopened.Preferences("cameras"))

	require.NoError(t, reopened.DeletePreference("audio", "meter"))
	require.NoError(t, reopened.DeletePreference("audio", "meter"))
	assert.Empty(t, reopened.Preferences("audio"))
}

func TestStateRejectsCorrupt(t *testing.T) {
	path := writeTemp(t, "state.json", "{not json")
	_, err := OpenState(path)
	require.Error(t, err)
}
