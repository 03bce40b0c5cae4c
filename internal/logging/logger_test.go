package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLoggingConfig(t *testing.T, ws string, body string) {
	t.Helper()
	dir := filepath.Join(ws, ".gluegate")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestInitializeWithoutConfigIsSilent(t *testing.T) {
	ws := t.TempDir()
	t.Cleanup(CloseAll)

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if IsDebugMode() {
		t.Fatal("debug mode enabled without config")
	}
	// Logging in production mode must not create a logs dir.
	Kernel("should be dropped")
	if _, err := os.Stat(filepath.Join(ws, ".gluegate", "logs")); !os.IsNotExist(err) {
		t.Fatalf("logs dir created in production mode: %v", err)
	}
}

func TestInitializeDebugModeWritesCategoryFile(t *testing.T) {
	ws := t.TempDir()
	t.Cleanup(CloseAll)
	writeLoggingConfig(t, ws, `{"logging":{"debug_mode":true,"level":"debug"}}`)

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("debug mode not picked up from config")
	}

	Kernel("pipeline run %s", "r1")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(ws, ".gluegate", "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".log" {
			found = true
		}
	}
	if !found {
		t.Fatal("no log file written in debug mode")
	}
}

func TestCategoryFilter(t *testing.T) {
	ws := t.TempDir()
	t.Cleanup(CloseAll)
	writeLoggingConfig(t, ws, `{"logging":{"debug_mode":true,"level":"debug","categories":{"kernel":false}}}`)

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if IsCategoryEnabled(CategoryKernel) {
		t.Fatal("kernel category should be filtered out")
	}
	if !IsCategoryEnabled(CategoryGate) {
		t.Fatal("gate category should default to enabled")
	}
}
