package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/mailroom/examples"
	"github.com/nugget/mailroom/internal/business"
	"github.com/nugget/mailroom/internal/config"
)

// clearUmask makes file permission assertions deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	for _, sub := range []string{"data", "businesses"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s: %v", sub, err)
		}
	}

	cfgInfo, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if !strings.Contains(buf.String(), "example.yaml") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRunInit_PreservesExisting(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(cfgPath)
	if string(got) != "log_level: debug\n" {
		t.Errorf("existing config overwritten: %q", got)
	}
}

func TestExamples_Valid(t *testing.T) {
	dir := t.TempDir()
	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatal(err)
	}

	if _, err := config.Load(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("example config does not load: %v", err)
	}

	bc, err := business.NewResolver(business.NewFileSource(filepath.Join(dir, "businesses")), nil).
		Load(context.Background(), "example")
	if err != nil {
		t.Fatalf("example business does not resolve: %v", err)
	}
	if bc.HubMode() || len(bc.Taxonomy()) == 0 {
		t.Errorf("example business: hub=%v, taxonomy=%d nodes", bc.HubMode(), len(bc.Taxonomy()))
	}
	if len(examples.BusinessYAML) == 0 {
		t.Error("business example not embedded")
	}
}
