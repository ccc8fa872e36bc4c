// Package config provides YAML configuration loading and validation for the
// noidd file integrity daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for noidd.
type Config struct {
	// NoiddRoot is the directory holding noidd's persistent state: the
	// fingerprint database, the retry queue, and the default log locations.
	// Defaults to "/etc/noidd" when omitted.
	NoiddRoot string `yaml:"noidd_root"`

	// LevelDB is the path to the fingerprint store. Defaults to
	// "<noidd_root>/noidd.db" when omitted.
	LevelDB string `yaml:"leveldb"`

	// LevelDBRecreate wipes the fingerprint store on startup when true,
	// forcing every watch to re-baseline.
	LevelDBRecreate bool `yaml:"leveldb_recreate"`

	// Logfile is the path noidd's structured logger writes to. Defaults to
	// "<noidd_root>/noidd.log" when omitted.
	Logfile string `yaml:"logfile"`

	// ScanInterval is a Go duration string ("60s", "5m") controlling how
	// often each watch re-verifies its checksums. Defaults to "60s".
	ScanInterval string `yaml:"scan_interval"`

	// DisplayTimezone is an IANA timezone name used to format timestamps in
	// rendered notification messages. Defaults to "America/New_York".
	DisplayTimezone string `yaml:"display_timezone"`

	// WorkerPoolSize bounds the number of goroutines used for blocking KV
	// store operations. Defaults to 4.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// RetryQueuePath is the path to the SQLite-backed notifier retry queue.
	// Defaults to "<noidd_root>/noidd_retry.db".
	RetryQueuePath string `yaml:"retry_queue_path"`

	// EventLog is the path to the append-only JSONL event log. Left empty,
	// no event log is written.
	EventLog string `yaml:"event_log"`

	// Notifiers lists the configured notification sinks.
	Notifiers []NotifierConfig `yaml:"notifiers"`

	// Watchers lists the named sets of files and directories to monitor.
	Watchers []WatchConfig `yaml:"watchers"`
}

// NotifierConfig describes one configured notification sink.
type NotifierConfig struct {
	// Type is one of "stdout", "twilio", or "pushover". Required.
	Type string `yaml:"type"`

	// Batch causes notifications to be buffered and delivered as combined
	// messages of up to MessageLimit lines: a batch is flushed when the
	// buffer fills and when the last watch sharing the notifier finishes its
	// pass.
	Batch bool `yaml:"batch"`

	// MessageLimit caps the number of individual change lines folded into
	// one batched message. Defaults to 5.
	MessageLimit int `yaml:"message_limit"`

	// Live enables outbound delivery for the twilio and pushover types. When
	// false, the rendered message is printed to stdout instead, for dry-run
	// testing. Defaults to true.
	Live *bool `yaml:"live"`

	TwilioAccountSID string   `yaml:"twilio_account_sid"`
	TwilioAuthToken  string   `yaml:"twilio_auth_token"`
	TwilioFromNumber string   `yaml:"twilio_from_number"`
	Recipients       []string `yaml:"recipients"`

	PushoverUserKey  string `yaml:"pushover_user_key"`
	PushoverAPIToken string `yaml:"pushover_api_token"`
}

// DirGlob is a single (path, glob) pair within a WatchConfig's directory
// list.
type DirGlob struct {
	// Path is the root directory to recurse into.
	Path string `yaml:"path"`

	// Glob is a doublestar pattern matched against paths relative to Path
	// (e.g. "**/*.conf").
	Glob string `yaml:"glob"`

	// IncludeHidden controls whether dotfiles and dot-directories are
	// considered. Defaults to true.
	IncludeHidden *bool `yaml:"include_hidden"`
}

// WatchConfig describes one named watch: a set of explicit files and/or
// glob-matched directory trees. Every watch reports to all configured
// notifiers.
type WatchConfig struct {
	Name        string    `yaml:"name"`
	Files       []string  `yaml:"files"`
	Directories []DirGlob `yaml:"directories"`
}

const (
	defaultNoiddRoot      = "/etc/noidd"
	defaultScanInterval   = "60s"
	defaultDisplayTZ      = "America/New_York"
	defaultWorkerPoolSize = 4
	defaultMessageLimit   = 5
	defaultLevelDBName    = "noidd.db"
	defaultLogfileName    = "noidd.log"
	defaultRetryQueueName = "noidd_retry.db"
)

var validNotifierTypes = map[string]bool{
	"stdout":   true,
	"twilio":   true,
	"pushover": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a joined error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.NoiddRoot == "" {
		cfg.NoiddRoot = defaultNoiddRoot
	}
	if cfg.LevelDB == "" {
		cfg.LevelDB = filepath.Join(cfg.NoiddRoot, defaultLevelDBName)
	}
	if cfg.Logfile == "" {
		cfg.Logfile = filepath.Join(cfg.NoiddRoot, defaultLogfileName)
	}
	if cfg.ScanInterval == "" {
		cfg.ScanInterval = defaultScanInterval
	}
	if cfg.DisplayTimezone == "" {
		cfg.DisplayTimezone = defaultDisplayTZ
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = defaultWorkerPoolSize
	}
	if cfg.RetryQueuePath == "" {
		cfg.RetryQueuePath = filepath.Join(cfg.NoiddRoot, defaultRetryQueueName)
	}

	for i := range cfg.Notifiers {
		n := &cfg.Notifiers[i]
		if n.MessageLimit <= 0 {
			n.MessageLimit = defaultMessageLimit
		}
		if n.Live == nil {
			live := true
			n.Live = &live
		}
	}

	for i := range cfg.Watchers {
		w := &cfg.Watchers[i]
		for j := range w.Directories {
			d := &w.Directories[j]
			if d.IncludeHidden == nil {
				includeHidden := true
				d.IncludeHidden = &includeHidden
			}
		}
	}
}

// validate checks that all required fields are populated, enumerated fields
// contain only valid values, and cross-field invariants hold.
func validate(cfg *Config) error {
	var errs []error

	if _, err := time.ParseDuration(cfg.ScanInterval); err != nil {
		errs = append(errs, fmt.Errorf("scan_interval %q: %w", cfg.ScanInterval, err))
	}
	if _, err := time.LoadLocation(cfg.DisplayTimezone); err != nil {
		errs = append(errs, fmt.Errorf("display_timezone %q: %w", cfg.DisplayTimezone, err))
	}

	for i, n := range cfg.Notifiers {
		prefix := fmt.Sprintf("notifiers[%d]", i)
		if !validNotifierTypes[n.Type] {
			errs = append(errs, fmt.Errorf("%s: type %q must be one of: stdout, twilio, pushover", prefix, n.Type))
			continue
		}
		switch n.Type {
		case "twilio":
			if n.TwilioAccountSID == "" {
				errs = append(errs, fmt.Errorf("%s: twilio_account_sid is required", prefix))
			}
			if n.TwilioAuthToken == "" {
				errs = append(errs, fmt.Errorf("%s: twilio_auth_token is required", prefix))
			}
			if n.TwilioFromNumber == "" {
				errs = append(errs, fmt.Errorf("%s: twilio_from_number is required", prefix))
			}
			if len(n.Recipients) == 0 {
				errs = append(errs, fmt.Errorf("%s: recipients must be non-empty", prefix))
			}
		case "pushover":
			if n.PushoverUserKey == "" {
				errs = append(errs, fmt.Errorf("%s: pushover_user_key is required", prefix))
			}
			if n.PushoverAPIToken == "" {
				errs = append(errs, fmt.Errorf("%s: pushover_api_token is required", prefix))
			}
		}
	}

	names := make(map[string]bool, len(cfg.Watchers))
	for i, w := range cfg.Watchers {
		prefix := fmt.Sprintf("watchers[%d]", i)
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if names[w.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate watch name %q", prefix, w.Name))
		} else {
			names[w.Name] = true
		}
		if len(w.Files) == 0 && len(w.Directories) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one of files or directories is required", prefix))
		}
		for j, d := range w.Directories {
			if d.Path == "" {
				errs = append(errs, fmt.Errorf("%s.directories[%d]: path is required", prefix, j))
			}
			if d.Glob == "" {
				errs = append(errs, fmt.Errorf("%s.directories[%d]: glob is required", prefix, j))
			}
		}
	}

	return errors.Join(errs...)
}

// EnsureRoot creates cfg.NoiddRoot, and any missing parents, if it does not
// already exist.
func EnsureRoot(cfg *Config) error {
	if err := os.MkdirAll(cfg.NoiddRoot, 0o755); err != nil {
		return fmt.Errorf("config: create noidd_root %q: %w", cfg.NoiddRoot, err)
	}
	return nil
}
