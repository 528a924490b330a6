package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config represents the engine configuration
type Config struct {
	Catalog  CatalogConfig  `json:"catalog" mapstructure:"catalog"`
	Download DownloadConfig `json:"download" mapstructure:"download"`
	Resolver ResolverConfig `json:"resolver" mapstructure:"resolver"`
	Trim     TrimConfig     `json:"trim" mapstructure:"trim"`
	Paths    PathsConfig    `json:"paths" mapstructure:"paths"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// CatalogConfig contains remote catalog client settings
type CatalogConfig struct {
	BaseURL           string  `json:"base_url" mapstructure:"base_url"`
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"requests_per_second"`
	TimeoutSeconds    int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// DownloadConfig contains download pipeline settings
type DownloadConfig struct {
	OutputDir           string `json:"output_dir" mapstructure:"output_dir"`
	Concurrency         int    `json:"concurrency" mapstructure:"concurrency"`
	MaxInstances        int    `json:"max_instances" mapstructure:"max_instances"`
	DurationToleranceMs int    `json:"duration_tolerance_ms" mapstructure:"duration_tolerance_ms"`
	AudioFormat         string `json:"audio_format" mapstructure:"audio_format"`
	ToolsDir            string `json:"tools_dir" mapstructure:"tools_dir"`
	EmbedArtwork        bool   `json:"embed_artwork" mapstructure:"embed_artwork"`
	ArtworkSize         int    `json:"artwork_size" mapstructure:"artwork_size"`
}

// ResolverConfig contains link resolver settings
type ResolverConfig struct {
	PrimaryResultLimit   int `json:"primary_result_limit" mapstructure:"primary_result_limit"`
	SecondaryResultLimit int `json:"secondary_result_limit" mapstructure:"secondary_result_limit"`
	ManualWaitSeconds    int `json:"manual_wait_seconds" mapstructure:"manual_wait_seconds"`
}

// TrimConfig contains silence trimmer settings
type TrimConfig struct {
	ThresholdDB       float64 `json:"threshold_db" mapstructure:"threshold_db"`
	MinSilenceSeconds float64 `json:"min_silence_seconds" mapstructure:"min_silence_seconds"`
}

// PathsConfig contains data directory locations
type PathsConfig struct {
	DataDir  string `json:"data_dir" mapstructure:"data_dir"`
	CacheDir string `json:"cache_dir" mapstructure:"cache_dir"`
	TrashDir string `json:"trash_dir" mapstructure:"trash_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Output     string `json:"output" mapstructure:"output"`
	FilePath   string `json:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Load loads configuration from file or creates default
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := ensureConfigDir(configPath); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create with defaults
			if err := v.WriteConfigAs(configPath); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
		} else if os.IsNotExist(err) {
			if err := v.WriteConfigAs(configPath); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Allow environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("TUNESYNC")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Download.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	if c.Download.Concurrency > 16 {
		return fmt.Errorf("concurrency cannot exceed 16")
	}

	if c.Download.MaxInstances < c.Download.Concurrency {
		return fmt.Errorf("max instances (%d) must cover concurrency (%d)",
			c.Download.MaxInstances, c.Download.Concurrency)
	}

	if c.Download.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}

	if c.Download.DurationToleranceMs < 0 {
		return fmt.Errorf("duration tolerance cannot be negative")
	}

	switch c.Download.AudioFormat {
	case "mp3", "flac", "m4a", "opus":
	default:
		return fmt.Errorf("invalid audio format: %s (must be mp3, flac, m4a or opus)", c.Download.AudioFormat)
	}

	if c.Download.EmbedArtwork && (c.Download.ArtworkSize < 100 || c.Download.ArtworkSize > 5000) {
		return fmt.Errorf("artwork size must be between 100 and 5000 pixels")
	}

	if c.Catalog.RequestsPerSecond <= 0 {
		return fmt.Errorf("catalog requests per second must be positive")
	}

	if c.Catalog.TimeoutSeconds < 1 {
		return fmt.Errorf("catalog timeout must be at least 1 second")
	}

	if c.Resolver.PrimaryResultLimit < 1 || c.Resolver.SecondaryResultLimit < 1 {
		return fmt.Errorf("resolver result limits must be at least 1")
	}

	if c.Resolver.ManualWaitSeconds < 0 {
		return fmt.Errorf("manual wait cannot be negative")
	}

	if c.Trim.ThresholdDB >= 0 {
		return fmt.Errorf("silence threshold must be negative dB, got %.1f", c.Trim.ThresholdDB)
	}

	return nil
}

// CacheDir returns the effective cache directory
func (c *Config) CacheDirPath() string {
	if c.Paths.CacheDir != "" {
		return c.Paths.CacheDir
	}
	return filepath.Join(c.Paths.DataDir, "cache")
}

// TrashDirPath returns the effective trash directory
func (c *Config) TrashDirPath() string {
	if c.Paths.TrashDir != "" {
		return c.Paths.TrashDir
	}
	return filepath.Join(c.Paths.DataDir, "trash")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	dataDir := getDefaultDataDir()

	v.SetDefault("catalog.base_url", "https://api.spotify.com/v1")
	v.SetDefault("catalog.requests_per_second", 10.0)
	v.SetDefault("catalog.timeout_seconds", 30)

	v.SetDefault("download.output_dir", filepath.Join(getHomeDir(), "Music", "TuneSync"))
	v.SetDefault("download.concurrency", 4)
	v.SetDefault("download.max_instances", 4)
	v.SetDefault("download.duration_tolerance_ms", 20000)
	v.SetDefault("download.audio_format", "mp3")
	v.SetDefault("download.tools_dir", filepath.Join(dataDir, "tools"))
	v.SetDefault("download.embed_artwork", true)
	v.SetDefault("download.artwork_size", 1000)

	v.SetDefault("resolver.primary_result_limit", 5)
	v.SetDefault("resolver.secondary_result_limit", 10)
	v.SetDefault("resolver.manual_wait_seconds", 120)

	v.SetDefault("trim.threshold_db", -45.0)
	v.SetDefault("trim.min_silence_seconds", 0.7)

	v.SetDefault("paths.data_dir", dataDir)
	v.SetDefault("paths.cache_dir", "")
	v.SetDefault("paths.trash_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "file")
	v.SetDefault("logging.file_path", filepath.Join(dataDir, "logs", "engine.log"))
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// getDefaultConfigPath returns the default config file path
func getDefaultConfigPath() string {
	return filepath.Join(getDefaultDataDir(), "config.json")
}

// getDefaultDataDir returns the platform data directory
func getDefaultDataDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "TuneSync")
		}
	}
	return filepath.Join(getHomeDir(), ".tunesync")
}

// getHomeDir returns the user's home directory
func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ensureConfigDir ensures the config directory exists
func ensureConfigDir(configPath string) error {
	dir := filepath.Dir(configPath)
	return os.MkdirAll(dir, 0755)
}
