package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Store
	DBBackend string `mapstructure:"db_backend"` // "sqlite" or "postgres"
	DBPath    string `mapstructure:"db_path"`
	DBDSN     string `mapstructure:"db_dsn"`
	DBSchema  string `mapstructure:"db_schema"`

	// Hostname overrides os.Hostname for run ownership and reporter registration
	Hostname string `mapstructure:"hostname"`

	// Reporter settings
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	CollectionTimeout time.Duration `mapstructure:"collection_timeout"`
	CPUSampleInterval time.Duration `mapstructure:"cpu_sample_interval"`
	IncludeChildren   bool          `mapstructure:"include_children"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	RetentionDays     int           `mapstructure:"retention_days"`

	// Optional API settings
	APIHost string `mapstructure:"api_host"`
	APIPort int    `mapstructure:"api_port"`

	// Optional SSL settings
	SSLCert string `mapstructure:"ssl_cert"`
	SSLKey  string `mapstructure:"ssl_key"`

	// Optional CORS settings
	CORSOrigins []string `mapstructure:"cors_origins"`

	// JWT settings, required by the API server only
	JWTSecretKey string `mapstructure:"jwt_secret_key"`
	JWTAlgorithm string `mapstructure:"jwt_algorithm"`

	// Optional logging settings
	LogFile   string `mapstructure:"log_file"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // "json" or "console"

	ConfigPath string
}

const (
	DefaultConfigPath        = "/etc/tasker/config.yml"
	DefaultDBBackend         = "sqlite"
	DefaultDBPath            = "/var/lib/tasker/tasker.sqlite3"
	DefaultDBSchema          = "public"
	DefaultPollInterval      = 10 * time.Second
	DefaultStaleAfter        = 60 * time.Second
	DefaultCollectionTimeout = 5 * time.Second
	DefaultCPUSampleInterval = 100 * time.Millisecond
	DefaultCleanupInterval   = time.Hour
	DefaultRetentionDays     = 30
	DefaultAPIHost           = "0.0.0.0"
	DefaultAPIPort           = 8336
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultJWTAlgorithm      = "HS256"
	EnvPrefix                = "TASKER"
)

// Load reads configPath (YAML) and applies TASKER_* environment overrides.
// A missing file is only an error when the path was given explicitly.
func Load(configPath string) (*Config, error) {
	explicit := configPath != ""
	if !explicit {
		configPath = DefaultConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	// Allow environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || os.IsNotExist(err)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ConfigPath = configPath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no file read.
func Default() *Config {
	return &Config{
		DBBackend:         DefaultDBBackend,
		DBPath:            DefaultDBPath,
		DBSchema:          DefaultDBSchema,
		PollInterval:      DefaultPollInterval,
		StaleAfter:        DefaultStaleAfter,
		CollectionTimeout: DefaultCollectionTimeout,
		CPUSampleInterval: DefaultCPUSampleInterval,
		IncludeChildren:   true,
		CleanupInterval:   DefaultCleanupInterval,
		RetentionDays:     DefaultRetentionDays,
		APIHost:           DefaultAPIHost,
		APIPort:           DefaultAPIPort,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		JWTAlgorithm:      DefaultJWTAlgorithm,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("db_backend", d.DBBackend)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("db_dsn", "")
	v.SetDefault("db_schema", d.DBSchema)
	v.SetDefault("hostname", "")
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("stale_after", d.StaleAfter)
	v.SetDefault("collection_timeout", d.CollectionTimeout)
	v.SetDefault("cpu_sample_interval", d.CPUSampleInterval)
	v.SetDefault("include_children", d.IncludeChildren)
	v.SetDefault("cleanup_interval", d.CleanupInterval)
	v.SetDefault("retention_days", d.RetentionDays)
	v.SetDefault("api_host", d.APIHost)
	v.SetDefault("api_port", d.APIPort)
	v.SetDefault("ssl_cert", "")
	v.SetDefault("ssl_key", "")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("jwt_secret_key", "")
	v.SetDefault("jwt_algorithm", d.JWTAlgorithm)
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

func (c *Config) Validate() error {
	switch c.DBBackend {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the sqlite backend")
		}
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("db_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("db_backend must be 'sqlite' or 'postgres'")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}
	if c.CollectionTimeout <= 0 {
		return fmt.Errorf("collection_timeout must be positive")
	}
	if c.CPUSampleInterval < 0 || c.CPUSampleInterval >= c.CollectionTimeout {
		return fmt.Errorf("cpu_sample_interval must be between 0 and collection_timeout")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1")
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be 'json' or 'console'")
	}

	// Validate SSL config if provided
	if c.SSLCert != "" || c.SSLKey != "" {
		if c.SSLCert == "" || c.SSLKey == "" {
			return fmt.Errorf("both ssl_cert and ssl_key must be provided")
		}
		if _, err := os.Stat(c.SSLCert); os.IsNotExist(err) {
			return fmt.Errorf("ssl_cert file does not exist: %s", c.SSLCert)
		}
		if _, err := os.Stat(c.SSLKey); os.IsNotExist(err) {
			return fmt.Errorf("ssl_key file does not exist: %s", c.SSLKey)
		}
	}

	return nil
}

// ValidateAPI checks the settings only the HTTP server needs.
func (c *Config) ValidateAPI() error {
	if c.JWTSecretKey == "" {
		return fmt.Errorf("jwt_secret_key is required")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port must be between 1 and 65535")
	}
	return nil
}

// ResolveHostname returns the configured hostname or the OS hostname.
func (c *Config) ResolveHostname() (string, error) {
	if c.Hostname != "" {
		return c.Hostname, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to determine hostname: %w", err)
	}
	return host, nil
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) IsDevMode() bool {
	return os.Getenv("TASKER_DEV_MODE") == "1"
}
