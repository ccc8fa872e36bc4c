package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/noidd/noidd/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
noidd_root: "/var/lib/noidd"
scan_interval: "30s"
display_timezone: "UTC"
notifiers:
  - type: stdout
watchers:
  - name: etc-watch
    files:
      - "/etc/passwd"
      - "/etc/shadow"
    directories:
      - path: "/etc/cron.d"
        glob: "**/*"
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.NoiddRoot != "/var/lib/noidd" {
		t.Errorf("NoiddRoot = %q", cfg.NoiddRoot)
	}
	if cfg.ScanInterval != "30s" {
		t.Errorf("ScanInterval = %q, want %q", cfg.ScanInterval, "30s")
	}
	if cfg.DisplayTimezone != "UTC" {
		t.Errorf("DisplayTimezone = %q, want %q", cfg.DisplayTimezone, "UTC")
	}
	if len(cfg.Watchers) != 1 {
		t.Fatalf("len(Watchers) = %d, want 1", len(cfg.Watchers))
	}
	w := cfg.Watchers[0]
	if w.Name != "etc-watch" || len(w.Files) != 2 || len(w.Directories) != 1 {
		t.Errorf("Watchers[0] = %+v", w)
	}
	if !*w.Directories[0].IncludeHidden {
		t.Errorf("default IncludeHidden = false, want true")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
watchers:
  - name: minimal
    files:
      - "/etc/hosts"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.NoiddRoot != "/etc/noidd" {
		t.Errorf("default NoiddRoot = %q", cfg.NoiddRoot)
	}
	if cfg.ScanInterval != "60s" {
		t.Errorf("default ScanInterval = %q, want %q", cfg.ScanInterval, "60s")
	}
	if cfg.DisplayTimezone != "America/New_York" {
		t.Errorf("default DisplayTimezone = %q", cfg.DisplayTimezone)
	}
	if cfg.WorkerPoolSize != 4 {
		t.Errorf("default WorkerPoolSize = %d, want 4", cfg.WorkerPoolSize)
	}
	if cfg.LevelDB != filepath.Join(cfg.NoiddRoot, "noidd.db") {
		t.Errorf("default LevelDB = %q", cfg.LevelDB)
	}
}

func TestLoadConfig_MissingWatchTarget(t *testing.T) {
	yaml := `
watchers:
  - name: empty-watch
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for watch with no files or directories, got nil")
	}
	if !strings.Contains(err.Error(), "at least one of files or directories") {
		t.Errorf("error %q does not mention missing target", err.Error())
	}
}

func TestLoadConfig_DuplicateWatchName(t *testing.T) {
	yaml := `
watchers:
  - name: dup
    files: ["/etc/hosts"]
  - name: dup
    files: ["/etc/hostname"]
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for duplicate watch name, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate watch name") {
		t.Errorf("error %q does not mention duplicate name", err.Error())
	}
}

func TestLoadConfig_InvalidNotifierType(t *testing.T) {
	yaml := `
notifiers:
  - type: carrier-pigeon
watchers:
  - name: w
    files: ["/etc/hosts"]
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid notifier type, got nil")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("error %q does not mention invalid type", err.Error())
	}
}

func TestLoadConfig_TwilioMissingFields(t *testing.T) {
	yaml := `
notifiers:
  - type: twilio
watchers:
  - name: w
    files: ["/etc/hosts"]
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for twilio notifier missing fields, got nil")
	}
	if !strings.Contains(err.Error(), "twilio_account_sid") {
		t.Errorf("error %q does not mention twilio_account_sid", err.Error())
	}
}

func TestLoadConfig_InvalidScanInterval(t *testing.T) {
	yaml := `
scan_interval: "soon"
watchers:
  - name: w
    files: ["/etc/hosts"]
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid scan_interval, got nil")
	}
	if !strings.Contains(err.Error(), "scan_interval") {
		t.Errorf("error %q does not mention scan_interval", err.Error())
	}
}

func TestLoadConfig_InvalidTimezone(t *testing.T) {
	yaml := `
display_timezone: "Mars/Olympus_Mons"
watchers:
  - name: w
    files: ["/etc/hosts"]
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid display_timezone, got nil")
	}
	if !strings.Contains(err.Error(), "display_timezone") {
		t.Errorf("error %q does not mention display_timezone", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, "watchers: [unclosed")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
