// SPDX-License-Identifier: MIT

// Package config provides configuration management for labrig.
//
// Configuration lives in plain key=value text files. Values are resolved
// with ENV > file > default precedence; environment variables use the
// LABRIG_ prefix with the key upper-cased (data_dir -> LABRIG_DATA_DIR).
package config

import (
	"fmt"
	"time"
)

// Orchestrator option keys recognised in the master config file.
const (
	KeyDataDir                = "data_dir"
	KeySessionPrefix          = "session_prefix"
	KeyLogLevel               = "log_level"
	KeyLogFile                = "log_file"
	KeyDiscoveryRetryInterval = "discovery_retry_interval"
	KeyTrialStartTimeout      = "trial_start_timeout"
	KeyTrialStopTimeout       = "trial_stop_timeout"
	KeyInitTimeout            = "init_timeout"
	KeyGUIStartMinimized      = "gui_start_minimized"
	KeyAPIPort                = "api_port"
	KeyAPIDebug               = "api_debug"
	KeyAPIRateLimit           = "api_rate_limit"
	KeyCacheBackend           = "cache_backend"
	KeyRedisAddr              = "redis_addr"
	KeyTracingEnabled         = "tracing_enabled"
	KeyTracingExporter        = "tracing_exporter"
	KeyTracingEndpoint        = "tracing_endpoint"
	KeyTracingSampleRate      = "tracing_sample_rate"
)

// Options holds the resolved master configuration.
type Options struct {
	DataDir       string
	SessionPrefix string
	LogLevel      string
	LogFile       string

	DiscoveryRetryInterval time.Duration
	TrialStartTimeout      time.Duration
	TrialStopTimeout       time.Duration
	InitTimeout            time.Duration

	GUIStartMinimized bool

	APIPort      int
	APIDebug     bool
	APIRateLimit int // requests/second per client, 0 disables

	CacheBackend string // "memory" (default) or "redis"
	RedisAddr    string

	TracingEnabled    bool
	TracingExporter   string // "grpc" or "http"
	TracingEndpoint   string
	TracingSampleRate float64
}

// Defaults returns the built-in master configuration.
func Defaults() Options {
	return Options{
		DataDir:                defaultDataDir(),
		SessionPrefix:          "session",
		LogLevel:               "info",
		DiscoveryRetryInterval: 5 * time.Second,
		TrialStartTimeout:      3 * time.Second,
		TrialStopTimeout:       5 * time.Second,
		InitTimeout:            15 * time.Second,
		APIPort:                8080,
		APIRateLimit:           50,
		CacheBackend:           "memory",
		TracingExporter:        "grpc",
		TracingSampleRate:      0.1,
	}
}

// Validate rejects option combinations the daemon cannot run with.
func Validate(o Options) error {
	if o.DataDir == "" {
		return fmt.Errorf("%s must not be empty", KeyDataDir)
	}
	if o.APIPort <= 0 || o.APIPort > 65535 {
		return fmt.Errorf("%s out of range: %d", KeyAPIPort, o.APIPort)
	}
	if o.DiscoveryRetryInterval <= 0 {
		return fmt.Errorf("%s must be > 0", KeyDiscoveryRetryInterval)
	}
	if o.TrialStartTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", KeyTrialStartTimeout)
	}
	if o.TrialStopTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", KeyTrialStopTimeout)
	}
	if o.InitTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", KeyInitTimeout)
	}
	switch o.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("%s must be memory or redis, got %q", KeyCacheBackend, o.CacheBackend)
	}
	if o.CacheBackend == "redis" && o.RedisAddr == "" {
		return fmt.Errorf("%s required when %s=redis", KeyRedisAddr, KeyCacheBackend)
	}
	if o.TracingEnabled {
		switch o.TracingExporter {
		case "grpc", "http":
		default:
			return fmt.Errorf("%s must be grpc or http, got %q", KeyTracingExporter, o.TracingExporter)
		}
		if o.TracingEndpoint == "" {
			return fmt.Errorf("%s required when tracing is enabled", KeyTracingEndpoint)
		}
	}
	return nil
}

// Load resolves the master configuration from the given file (optional),
// the environment, and built-in defaults.
func Load(path string) (Options, error) {
	o := Defaults()

	var file Values
	if path != "" {
		parsed, err := ParseFile(path)
		if err != nil {
			return Options{}, err
		}
		file = parsed
	}

	res := resolver{file: file}
	o.DataDir = res.str(KeyDataDir, o.DataDir)
	o.SessionPrefix = res.str(KeySessionPrefix, o.SessionPrefix)
	o.LogLevel = res.str(KeyLogLevel, o.LogLevel)
	o.LogFile = res.str(KeyLogFile, o.LogFile)
	o.DiscoveryRetryInterval = res.seconds(KeyDiscoveryRetryInterval, o.DiscoveryRetryInterval)
	o.TrialStartTimeout = res.seconds(KeyTrialStartTimeout, o.TrialStartTimeout)
	o.TrialStopTimeout = res.seconds(KeyTrialStopTimeout, o.TrialStopTimeout)
	o.InitTimeout = res.seconds(KeyInitTimeout, o.InitTimeout)
	o.GUIStartMinimized = res.boolean(KeyGUIStartMinimized, o.GUIStartMinimized)
	o.APIPort = res.integer(KeyAPIPort, o.APIPort)
	o.APIDebug = res.boolean(KeyAPIDebug, o.APIDebug)
	o.APIRateLimit = res.integer(KeyAPIRateLimit, o.APIRateLimit)
	o.CacheBackend = res.str(KeyCacheBackend, o.CacheBackend)
	o.RedisAddr = res.str(KeyRedisAddr, o.RedisAddr)
	o.TracingEnabled = res.boolean(KeyTracingEnabled, o.TracingEnabled)
	o.TracingExporter = res.str(KeyTracingExporter, o.TracingExporter)
	o.TracingEndpoint = res.str(KeyTracingEndpoint, o.TracingEndpoint)
	o.TracingSampleRate = res.float(KeyTracingSampleRate, o.TracingSampleRate)

	if err := Validate(o); err != nil {
		return Options{}, err
	}
	return o, nil
}

// KeyGUIPreviewUpdateHz is the per-module preview redraw rate key. It
// is named here because the GUI mode checks whether the operator pinned
// it before applying a module's own preferred rate.
const KeyGUIPreviewUpdateHz = "gui_preview_update_hz"

// ModuleOptions holds the per-module options every sensor module understands.
// Module-specific extras stay available through Raw.
type ModuleOptions struct {
	SampleRate         int
	OutputDir          string
	AutoStartRecording bool
	AutoSelectNew      bool
	Width              int
	Height             int
	FPS                float64
	PreviewWidth       int
	PreviewHeight      int
	GUIPreviewUpdateHz float64

	Raw Values
}

// ModuleDefaults returns the built-in per-module option set.
func ModuleDefaults() ModuleOptions {
	return ModuleOptions{
		SampleRate:         48000,
		AutoSelectNew:      true,
		Width:              1280,
		Height:             720,
		FPS:                30,
		PreviewWidth:       320,
		PreviewHeight:      240,
		GUIPreviewUpdateHz: 10,
	}
}

// LoadModule resolves module options from the given file (optional) plus defaults.
func LoadModule(path string) (ModuleOptions, error) {
	o := ModuleDefaults()
	o.Raw = Values{}

	if path != "" {
		parsed, err := ParseFile(path)
		if err != nil {
			return ModuleOptions{}, err
		}
		o.Raw = parsed
	}

	o.SampleRate = o.Raw.Int("sample_rate", o.SampleRate)
	o.OutputDir = o.Raw.String("output_dir", o.OutputDir)
	o.AutoStartRecording = o.Raw.Bool("auto_start_recording", o.AutoStartRecording)
	o.AutoSelectNew = o.Raw.Bool("auto_select_new", o.AutoSelectNew)
	o.Width = o.Raw.Int("width", o.Width)
	o.Height = o.Raw.Int("height", o.Height)
	o.FPS = o.Raw.Float("fps", o.FPS)
	o.PreviewWidth = o.Raw.Int("preview_width", o.PreviewWidth)
	o.PreviewHeight = o.Raw.Int("preview_height", o.PreviewHeight)
	o.GUIPreviewUpdateHz = o.Raw.Float(KeyGUIPreviewUpdateHz, o.GUIPreviewUpdateHz)

	if o.FPS <= 0 {
		return ModuleOptions{}, fmt.Errorf("fps must be > 0, got %v", o.FPS)
	}
	if o.SampleRate <= 0 {
		return ModuleOptions{}, fmt.Errorf("sample_rate must be > 0, got %d", o.SampleRate)
	}
	return o, nil
}
