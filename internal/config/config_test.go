package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Account != "" {
		t.Errorf("Expected no default account, got '%s'", cfg.Account)
	}
	if cfg.MaxConcurrentUploads != 5 {
		t.Errorf("Expected 5 concurrent uploads, got %d", cfg.MaxConcurrentUploads)
	}
	if cfg.BackgroundMediaPolicy != PolicyDeferVideo {
		t.Errorf("Expected policy 'defer-video', got '%s'", cfg.BackgroundMediaPolicy)
	}
	if cfg.LocationAuthorization != LocationUndetermined {
		t.Errorf("Expected location 'undetermined', got '%s'", cfg.LocationAuthorization)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{"valid default config", func(*Config) {}, ""},
		{"zero upload ceiling", func(c *Config) { c.MaxConcurrentUploads = 0 }, "MaxConcurrentUploads"},
		{"negative byte ceiling", func(c *Config) { c.MaxUploadBytes = -1 }, "MaxUploadBytes"},
		{"max retries too high", func(c *Config) { c.MaxRetries = 11 }, "MaxRetries"},
		{"retry base delay too low", func(c *Config) { c.RetryBaseDelay = 50 }, "RetryBaseDelay"},
		{"unknown media policy", func(c *Config) { c.BackgroundMediaPolicy = "sometimes" }, "BackgroundMediaPolicy"},
		{"unknown location state", func(c *Config) { c.LocationAuthorization = "maybe" }, "LocationAuthorization"},
		{"invalid log level", func(c *Config) { c.LogLevel = "verbose" }, "LogLevel"},
		{"missing remote root", func(c *Config) { c.RemoteRoot = "" }, "RemoteRoot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing '%s', got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigDurationGetters(t *testing.T) {
	cfg := &Config{
		CycleInterval:  90,
		DebounceDelay:  250,
		ListingTimeout: 300,
		RetryBaseDelay: 1000,
	}

	if d := cfg.GetCycleInterval(); d != 90*time.Second {
		t.Errorf("Expected cycle interval 90s, got %v", d)
	}
	if d := cfg.GetDebounceDelay(); d != 250*time.Millisecond {
		t.Errorf("Expected debounce delay 250ms, got %v", d)
	}
	if d := cfg.GetListingTimeout(); d != 5*time.Minute {
		t.Errorf("Expected listing timeout 5m, got %v", d)
	}
	if d := cfg.GetRetryBaseDelay(); d != time.Second {
		t.Errorf("Expected retry base delay 1s, got %v", d)
	}
}

func TestConfigSaveAndLoad(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "ncsync", ConfigFileName)

	cfg := DefaultConfig()
	cfg.Account = "alice@cloud.example.com"
	cfg.MaxUploadBytes = 42 << 20
	cfg.AutoUploadDirs = []string{"/media/camera"}
	cfg.BackgroundMediaPolicy = PolicyAdmitAll

	if err := cfg.SaveTo(configPath); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected config file mode 0600, got %o", perm)
	}

	loaded, err := LoadFrom(configPath)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if loaded.Account != cfg.Account {
		t.Errorf("Expected account %s, got %s", cfg.Account, loaded.Account)
	}
	if loaded.MaxUploadBytes != cfg.MaxUploadBytes {
		t.Errorf("Expected max upload bytes %d, got %d", cfg.MaxUploadBytes, loaded.MaxUploadBytes)
	}
	if loaded.BackgroundMediaPolicy != PolicyAdmitAll {
		t.Errorf("Expected policy admit-all, got %s", loaded.BackgroundMediaPolicy)
	}
	if len(loaded.AutoUploadDirs) != 1 || loaded.AutoUploadDirs[0] != "/media/camera" {
		t.Errorf("Expected auto-upload dirs to round-trip, got %v", loaded.AutoUploadDirs)
	}
	if want := filepath.Join(filepath.Dir(configPath), "index.db"); loaded.DatabasePath != want {
		t.Errorf("Expected database path %s, got %s", want, loaded.DatabasePath)
	}
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.CycleInterval != DefaultConfig().CycleInterval {
		t.Errorf("Expected default cycle interval, got %d", cfg.CycleInterval)
	}
}

func TestLoadFrom_RejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("Expected parse error, got nil")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NCSYNC_ACCOUNT", "env-account")
	t.Setenv("NCSYNC_MAINTENANCE", "true")
	t.Setenv("NCSYNC_MAX_CONCURRENT_UPLOADS", "7")
	t.Setenv("NCSYNC_AUTO_UPLOAD_DIRS", "/a,/b")
	t.Setenv("NCSYNC_LOG_LEVEL", "debug")

	path := filepath.Join(t.TempDir(), ConfigFileName)
	fileCfg := DefaultConfig()
	fileCfg.Account = "file-account"
	fileCfg.MaxConcurrentUploads = 2
	fileCfg.CycleInterval = 120
	if err := fileCfg.SaveTo(path); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Account != "env-account" {
		t.Errorf("Expected env to override account, got '%s'", cfg.Account)
	}
	if !cfg.Maintenance {
		t.Error("Expected maintenance from env")
	}
	if cfg.MaxConcurrentUploads != 7 {
		t.Errorf("Expected 7 concurrent uploads, got %d", cfg.MaxConcurrentUploads)
	}
	if cfg.CycleInterval != 120 {
		t.Errorf("Expected file value to survive when env is unset, got %d", cfg.CycleInterval)
	}
	if len(cfg.AutoUploadDirs) != 2 {
		t.Errorf("Expected 2 auto-upload dirs, got %v", cfg.AutoUploadDirs)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.LogLevel)
	}
}

func TestLoadFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("NCSYNC_MAX_UPLOAD_BYTES", "lots")
	if _, err := LoadFrom(filepath.Join(t.TempDir(), ConfigFileName)); err == nil {
		t.Error("Expected error for non-numeric env value")
	}
}

func TestConfigSet(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		check   func(*Config) bool
		wantErr bool
	}{
		{"string value", "account", "bob", func(c *Config) bool { return c.Account == "bob" }, false},
		{"numeric value", "maxConcurrentUploads", "9", func(c *Config) bool { return c.MaxConcurrentUploads == 9 }, false},
		{"boolean value", "maintenance", "true", func(c *Config) bool { return c.Maintenance }, false},
		{"omitted key", "storageDir", "/srv/ncsync", func(c *Config) bool { return c.StorageDir == "/srv/ncsync" }, false},
		{"array value", "autoUploadDirs", `["/x","/y"]`, func(c *Config) bool { return len(c.AutoUploadDirs) == 2 }, false},
		{"unknown key", "nope", "1", nil, true},
		{"fails validation", "maxConcurrentUploads", "0", nil, true},
		{"wrong type", "maxRetries", `"three"`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := cfg.Set(tt.key, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if cfg.MaxConcurrentUploads != DefaultConfig().MaxConcurrentUploads {
					t.Error("failed Set must not modify the config")
				}
				return
			}
			if err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("Set(%s, %s) did not apply", tt.key, tt.value)
			}
		})
	}
}
