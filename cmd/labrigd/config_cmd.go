// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labrig/labrig/internal/config"
)

func runConfigCLI(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage()
		return 0
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:])
	case "dump":
		return runConfigDump(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", args[0])
		printConfigUsage()
		return 2
	}
}

func printConfigUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  labrigd config validate [--file|-f labrig.conf]")
	fmt.Fprintln(os.Stderr, "  labrigd config dump [--file|-f labrig.conf] [--format=conf|json]")
}

// resolveConfigFlagPath falls back to the conventional config location.
// An empty return means environment and defaults only.
func resolveConfigFlagPath(file string) string {
	path := strings.TrimSpace(file)
	if path != "" {
		return path
	}
	if p := config.DefaultConfigPath(); fileExists(p) {
		return p
	}
	return ""
}

func runConfigValidate(args []string) int {
	fs := flag.NewFlagSet("labrigd config validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var file string
	fs.StringVar(&file, "file", "", "path to key=value configuration file")
	fs.StringVar(&file, "f", "", "path to key=value configuration file (shorthand)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	configPath := resolveConfigFlagPath(file)
	if _, err := config.Load(configPath); err != nil {
		if configPath == "" {
			fmt.Fprintf(os.Stderr, "Configuration error (environment and defaults):\n  %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Configuration error in %s:\n  %v\n", configPath, err)
		}
		return 1
	}

	if configPath == "" {
		fmt.Println("✓ environment and defaults are valid")
	} else {
		fmt.Printf("✓ %s is valid\n", configPath)
	}
	return 0
}

func runConfigDump(args []string) int {
	fs := flag.NewFlagSet("labrigd config dump", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var file string
	var format string

	fs.StringVar(&file, "file", "", "path to key=value configuration file")
	fs.StringVar(&file, "f", "", "path to key=value configuration file (shorthand)")
	fs.StringVar(&format, "format", "conf", "output format: conf or json")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	configPath := resolveConfigFlagPath(file)
	opts, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error in %s:\n  %v\n", configPath, err)
		return 1
	}

	pairs := effectivePairs(opts)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "conf":
		for _, p := range pairs {
			fmt.Printf("%s=%s\n", p.key, p.value)
		}
		return 0
	case "json":
		m := make(map[string]string, len(pairs))
		for _, p := range pairs {
			m[p.key] = p.value
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unsupported format: %s (use conf or json)\n", format)
		return 2
	}
}

type pair struct{ key, value string }

// effectivePairs renders the resolved options in the config file's own
// key=value vocabulary, durations as decimal seconds.
func effectivePairs(o config.Options) []pair {
	secs := func(d time.Duration) string {
		return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	}
	return []pair{
		{config.KeyDataDir, o.DataDir},
		{config.KeySessionPrefix, o.SessionPrefix},
		{config.KeyLogLevel, o.LogLevel},
		{config.KeyLogFile, o.LogFile},
		{config.KeyDiscoveryRetryInterval, secs(o.DiscoveryRetryInterval)},
		{config.KeyTrialStartTimeout, secs(o.TrialStartTimeout)},
		{config.KeyTrialStopTimeout, secs(o.TrialStopTimeout)},
		{config.KeyInitTimeout, secs(o.InitTimeout)},
		{config.KeyGUIStartMinimized, strconv.FormatBool(o.GUIStartMinimized)},
		{config.KeyAPIPort, strconv.Itoa(o.APIPort)},
		{config.KeyAPIDebug, strconv.FormatBool(o.APIDebug)},
		{config.KeyAPIRateLimit, strconv.Itoa(o.APIRateLimit)},
		{config.KeyCacheBackend, o.CacheBackend},
		{config.KeyRedisAddr, o.RedisAddr},
		{config.KeyTracingEnabled, strconv.FormatBool(o.TracingEnabled)},
		{config.KeyTracingExporter, o.TracingExporter},
		{config.KeyTracingEndpoint, o.TracingEndpoint},
		{config.KeyTracingSampleRate, strconv.FormatFloat(o.TracingSampleRate, 'f', -1, 64)},
	}
}
