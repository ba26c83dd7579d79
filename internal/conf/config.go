// config.go: This file contains the configuration for the RGBOARD web application.
// It defines the settings struct and functions to load and save the settings.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed config.yaml
var configFiles embed.FS

// Log rotation types
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

// LogConfig defines the configuration for a log file
type LogConfig struct {
	Enabled     bool         // true to enable this log
	Path        string       // Path to the log file
	Rotation    RotationType // Type of log rotation
	MaxSize     int64        // Max size in bytes for RotationSize
	RotationDay time.Weekday // Day of the week for RotationWeekly
}

// MainConfig contains general application settings.
type MainConfig struct {
	Name     string    // name of this node, can be used to identify this instance
	TimeZone string    // IANA timezone name used when formatting times for panels
	Log      LogConfig // main log configuration
}

// WebServerSettings contains settings for the HTTP server.
type WebServerSettings struct {
	Enabled bool   // true to enable integrated HTTP server
	Port    string // port for HTTP server
	Debug   bool   // true to enable debug mode
}

// SQLiteSettings contains settings for the SQLite database.
type SQLiteSettings struct {
	Enabled bool   // true to enable SQLite
	Path    string // path to the SQLite database file
}

// MySQLSettings contains settings for the MySQL database.
type MySQLSettings struct {
	Enabled  bool   // true to enable MySQL
	Username string // MySQL username
	Password string // MySQL password
	Database string // MySQL database name
	Host     string // MySQL host
	Port     string // MySQL port
}

// OutputSettings contains database output settings.
type OutputSettings struct {
	SQLite SQLiteSettings // SQLite database settings
	MySQL  MySQLSettings  // MySQL database settings
}

// RotationSettings contains settings for the display rotation engine.
type RotationSettings struct {
	DefaultDuration   int // default display duration in seconds for new items
	MinDuration       int // minimum allowed display duration in seconds
	DefaultTTLHours   int // hours until an item expires when no end time is given
	PromotionInterval int // seconds between scheduled-item promotion passes
	ExpiryInterval    int // seconds between expiry sweeps
	CheckInterval     int // seconds between rotation due checks
	PageSize          int // default page size for queue listings
	SuggestionStep    int // minutes between probed slots when suggesting an alternative
	SuggestionWindow  int // minutes to probe before falling back to the next day
	MaxWorkers        int // background job worker pool size
}

// Settings contains all configuration options for the RGBOARD application.
type Settings struct {
	Debug bool // true to enable debug mode

	Main      MainConfig
	WebServer WebServerSettings
	Output    OutputSettings
	Rotation  RotationSettings
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into the settings struct.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	// Initialize viper and read config
	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	// Unmarshal the config into settings
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	// Validate settings
	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Get OS specific config paths
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	// Assign config paths to Viper
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// Set default values for each configuration parameter
	// function defined in defaults.go
	setDefaultConfig()

	// Read configuration file
	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, create config with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig creates a default config file and writes it to the default config path
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")
	defaultConfig := getDefaultConfig()

	// Create directories for config file
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	// Write default config file
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}
	return string(data)
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

// SaveSettings saves the current settings to the configuration file.
func SaveSettings() error {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()

	configPath, err := FindConfigFile()
	if err != nil {
		return fmt.Errorf("error finding config file: %w", err)
	}

	settingsCopy := *settingsInstance
	if err := SaveYAMLConfig(configPath, &settingsCopy); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}

	log.Printf("Settings saved successfully to %s", configPath)
	return nil
}

// SaveYAMLConfig updates the YAML configuration file with new settings.
// It overwrites the existing file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	// Write the YAML data to a temporary file first so the replacement
	// of the config file is atomic
	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}

	return nil
}

// PromotionTick returns the scheduled-item promotion interval as a duration.
func (s *RotationSettings) PromotionTick() time.Duration {
	return time.Duration(s.PromotionInterval) * time.Second
}

// ExpiryTick returns the expiry sweep interval as a duration.
func (s *RotationSettings) ExpiryTick() time.Duration {
	return time.Duration(s.ExpiryInterval) * time.Second
}

// CheckTick returns the rotation check interval as a duration.
func (s *RotationSettings) CheckTick() time.Duration {
	return time.Duration(s.CheckInterval) * time.Second
}

// DefaultTTL returns the default rotation item lifetime as a duration.
func (s *RotationSettings) DefaultTTL() time.Duration {
	return time.Duration(s.DefaultTTLHours) * time.Hour
}
