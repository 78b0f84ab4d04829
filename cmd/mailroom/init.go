package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/mailroom/examples"
)

// runInit lays out a working directory with an example config and one
// example business. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing mailroom workspace in %s\n", dir)

	for _, sub := range []string{"data", "businesses"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config usually carries API keys and mailbox passwords.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	businessPath := filepath.Join(dir, "businesses", "example.yaml")
	if err := writeIfMissing(businessPath, examples.BusinessYAML, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", businessPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then add one <business_id>.yaml per business under businesses/.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
