// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/labrig/labrig/internal/catalog"
	"github.com/labrig/labrig/internal/config"
)

func runCatalogCLI(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printCatalogUsage(os.Stdout)
		return 0
	}

	switch args[0] {
	case "verify":
		return runCatalogVerify(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", args[0])
		printCatalogUsage(os.Stderr)
		return 2
	}
}

func printCatalogUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  labrigd catalog verify [--path PATH] [--mode quick|full]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Flags:")
	_, _ = fmt.Fprintln(w, "  --path string  Path to the catalog database (default: <data_dir>/catalog.db)")
	_, _ = fmt.Fprintln(w, "  --mode string  Verification mode: quick (default) or full")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Subcommands:")
	_, _ = fmt.Fprintln(w, "  verify    Check database integrity")
}

func runCatalogVerify(args []string) int {
	fs := flag.NewFlagSet("labrigd catalog verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var path string
	var mode string

	fs.StringVar(&path, "path", "", "Path to the catalog database file")
	fs.StringVar(&mode, "mode", "quick", "Verification mode: quick or full")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != "quick" && mode != "full" {
		fmt.Fprintf(os.Stderr, "Error: invalid mode %q. Use 'quick' or 'full'.\n", mode)
		return 2
	}

	if path == "" {
		opts, err := config.Load(resolveConfigFlagPath(""))
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error: --path is required (no loadable configuration to derive it from)")
			return 2
		}
		path = filepath.Join(opts.DataDir, "catalog.db")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot stat %s: %v\n", path, err)
		return 2
	}

	fmt.Fprintf(os.Stderr, "Verifying integrity of %s (mode: %s)...\n", path, mode)

	issues, err := catalog.VerifyIntegrity(path, mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification interrupted by system error: %v\n", err)
		return 1
	}

	if issues != nil {
		fmt.Fprintln(os.Stderr, "CORRUPTION DETECTED!")
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "  - %s\n", issue)
		}
		return 1
	}

	fmt.Println("Integrity verified: ok")
	return 0
}
