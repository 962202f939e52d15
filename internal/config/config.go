package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.json"
	// EnvPrefix is the envconfig prefix; variables look like NCSYNC_ACCOUNT.
	EnvPrefix = "NCSYNC"
)

// BackgroundMediaPolicy controls what the scheduler admits while the
// process runs as a background job.
type BackgroundMediaPolicy string

const (
	// PolicyDeferVideo holds back videos that are not part of a live photo.
	PolicyDeferVideo BackgroundMediaPolicy = "defer-video"
	// PolicyAdmitAll admits every candidate regardless of media type.
	PolicyAdmitAll BackgroundMediaPolicy = "admit-all"
)

// LocationAuthorization mirrors the platform's location permission state.
type LocationAuthorization string

const (
	LocationUndetermined LocationAuthorization = "undetermined"
	LocationDenied       LocationAuthorization = "denied"
	LocationAuthorized   LocationAuthorization = "authorized"
)

// Config holds application configuration
type Config struct {
	// Account is the active account. An empty account disables the scheduler.
	Account string `json:"account" envconfig:"ACCOUNT"`

	// RemoteRoot is the server path synchronized by `ncsync sync`.
	RemoteRoot string `json:"remoteRoot" envconfig:"REMOTE_ROOT" validate:"required"`

	// Maintenance pauses every cycle while the server is in maintenance mode.
	Maintenance bool `json:"maintenance" envconfig:"MAINTENANCE"`

	// ShowHiddenFiles includes dot-files in remote listings.
	ShowHiddenFiles bool `json:"showHiddenFiles" envconfig:"SHOW_HIDDEN_FILES"`

	MaxConcurrentUploads   int   `json:"maxConcurrentUploads" envconfig:"MAX_CONCURRENT_UPLOADS" validate:"gte=1,lte=64"`
	MaxConcurrentDownloads int   `json:"maxConcurrentDownloads" envconfig:"MAX_CONCURRENT_DOWNLOADS" validate:"gte=1,lte=64"`
	MaxUploadBytes         int64 `json:"maxUploadBytes" envconfig:"MAX_UPLOAD_BYTES" validate:"gt=0"`

	// CycleInterval is the periodic trigger period in seconds.
	CycleInterval int `json:"cycleInterval" envconfig:"CYCLE_INTERVAL" validate:"gte=1,lte=86400"`

	// DebounceDelay is the watcher coalescing window in milliseconds.
	DebounceDelay     int `json:"debounceDelay" envconfig:"DEBOUNCE_DELAY" validate:"gte=10,lte=600000"`
	DebounceMaxEvents int `json:"debounceMaxEvents" envconfig:"DEBOUNCE_MAX_EVENTS" validate:"gte=1"`

	// ListingTimeout bounds one recursive listing, in seconds.
	ListingTimeout int `json:"listingTimeout" envconfig:"LISTING_TIMEOUT" validate:"gte=1,lte=3600"`

	BackgroundMediaPolicy BackgroundMediaPolicy `json:"backgroundMediaPolicy" envconfig:"BACKGROUND_MEDIA_POLICY" validate:"oneof=defer-video admit-all"`

	// StorageDir holds downloaded and staged file bytes, laid out as <ocId>/<fileName>.
	StorageDir string `json:"storageDir,omitempty" envconfig:"STORAGE_DIR"`
	// DatabasePath is the metadata index; defaults to <config dir>/index.db.
	DatabasePath string `json:"databasePath,omitempty" envconfig:"DATABASE_PATH"`

	AutoUploadDirs        []string `json:"autoUploadDirs,omitempty" envconfig:"AUTO_UPLOAD_DIRS"`
	AutoUploadRemoteDir   string   `json:"autoUploadRemoteDir" envconfig:"AUTO_UPLOAD_REMOTE_DIR" validate:"required"`
	RemoveAfterAutoUpload bool     `json:"removeAfterAutoUpload" envconfig:"REMOVE_AFTER_AUTO_UPLOAD"`

	LocationAuthorization  LocationAuthorization `json:"locationAuthorization" envconfig:"LOCATION_AUTHORIZATION" validate:"oneof=undetermined denied authorized"`
	LocationPromptShown    bool                  `json:"locationPromptShown" envconfig:"LOCATION_PROMPT_SHOWN"`
	LocationThresholdMeter float64               `json:"locationThresholdMeters" envconfig:"LOCATION_THRESHOLD_METERS" validate:"gt=0"`

	// OAuth client used by `ncsync auth login`.
	ClientID     string `json:"clientId,omitempty" envconfig:"CLIENT_ID"`
	ClientSecret string `json:"clientSecret,omitempty" envconfig:"CLIENT_SECRET"`

	MaxRetries     int `json:"maxRetries" envconfig:"MAX_RETRIES" validate:"gte=0,lte=10"`
	RetryBaseDelay int `json:"retryBaseDelay" envconfig:"RETRY_BASE_DELAY" validate:"gte=100,lte=60000"`

	// LogLevel sets the logging verbosity (debug, info, warn, error)
	LogLevel string `json:"logLevel" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFile  string `json:"logFile,omitempty" envconfig:"LOG_FILE"`

	ColorOutput bool `json:"colorOutput" envconfig:"COLOR_OUTPUT"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		RemoteRoot:             "/",
		MaxConcurrentUploads:   5,
		MaxConcurrentDownloads: 5,
		MaxUploadBytes:         1 << 30, // 1 GiB in flight
		CycleInterval:          60,
		DebounceDelay:          2000,
		DebounceMaxEvents:      50,
		ListingTimeout:         300,
		BackgroundMediaPolicy:  PolicyDeferVideo,
		AutoUploadRemoteDir:    "/Photos",
		LocationAuthorization:  LocationUndetermined,
		LocationThresholdMeter: 500,
		MaxRetries:             3,
		RetryBaseDelay:         1000,
		LogLevel:               "info",
		ColorOutput:            true,
	}
}

// Load loads configuration with precedence: env vars > config file > defaults
func Load() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom is Load with an explicit config file path. A missing file is not an error.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.applyPathDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyPathDefaults(configDir string) {
	if c.StorageDir == "" {
		c.StorageDir = filepath.Join(configDir, "storage")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(configDir, "index.db")
	}
	c.StorageDir = expandHome(c.StorageDir)
	c.DatabasePath = expandHome(c.DatabasePath)
	for i, dir := range c.AutoUploadDirs {
		c.AutoUploadDirs[i] = expandHome(dir)
	}
}

// Save saves the configuration to the config file
func (c *Config) Save() error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo validates and writes the configuration with owner-only permissions.
func (c *Config) SaveTo(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value: %v)", fe.Field(), describeTag(fe), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// GetCycleInterval returns the periodic trigger period as a duration
func (c *Config) GetCycleInterval() time.Duration {
	return time.Duration(c.CycleInterval) * time.Second
}

// GetDebounceDelay returns the watcher coalescing window as a duration
func (c *Config) GetDebounceDelay() time.Duration {
	return time.Duration(c.DebounceDelay) * time.Millisecond
}

// GetListingTimeout returns the recursive listing timeout as a duration
func (c *Config) GetListingTimeout() time.Duration {
	return time.Duration(c.ListingTimeout) * time.Second
}

// GetRetryBaseDelay returns the retry base delay as a duration
func (c *Config) GetRetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelay) * time.Millisecond
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, ConfigFileName), nil
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "ncsync"), nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Set updates one field by its JSON key. The value is parsed as JSON when
// possible (numbers, booleans, arrays) and treated as a string otherwise.
func (c *Config) Set(key, value string) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if _, ok := fields[key]; !ok && !optionalKeys[key] {
		return fmt.Errorf("unknown config key: %s", key)
	}

	encoded := json.RawMessage(value)
	if !json.Valid(encoded) {
		encoded, _ = json.Marshal(value)
	}
	fields[key] = encoded

	merged, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	*c = next
	return nil
}

// optionalKeys are omitted from JSON when empty but can still be set.
var optionalKeys = map[string]bool{
	"storageDir":     true,
	"databasePath":   true,
	"autoUploadDirs": true,
	"clientId":       true,
	"clientSecret":   true,
	"logFile":        true,
}
