// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Google  GoogleConfig  `mapstructure:"google"`
	Refcom  RefcomConfig  `mapstructure:"refcom"`
	FGas    FGasConfig    `mapstructure:"fgas"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int      `mapstructure:"port"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	CORSAllowedOrigins    []string `mapstructure:"cors_allowed_origins"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// GoogleConfig configures the geocoding and places client.
type GoogleConfig struct {
	APIKey             string `mapstructure:"api_key"`
	BaseURL            string `mapstructure:"base_url"`
	SearchRadiusMeters int    `mapstructure:"search_radius_meters"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
}

// RefcomConfig configures the REFCOM registry client.
type RefcomConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	PostcodeRadius int    `mapstructure:"postcode_radius"`
	Scheme         string `mapstructure:"scheme"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// FGasConfig configures the headless F-Gas register scraper.
type FGasConfig struct {
	DirectoryURL           string `mapstructure:"directory_url"`
	WidgetURLFragment      string `mapstructure:"widget_url_fragment"`
	DataEndpoint           string `mapstructure:"data_endpoint"`
	ChromePath             string `mapstructure:"chrome_path"`
	UserAgent              string `mapstructure:"user_agent"`
	DefaultRecords         int    `mapstructure:"default_records"`
	MaxRecords             int    `mapstructure:"max_records"`
	MaxParallel            int    `mapstructure:"max_parallel"`
	LaunchTimeoutSeconds   int    `mapstructure:"launch_timeout_seconds"`
	NavTimeoutSeconds      int    `mapstructure:"nav_timeout_seconds"`
	FrameTimeoutSeconds    int    `mapstructure:"frame_timeout_seconds"`
	InputTimeoutSeconds    int    `mapstructure:"input_timeout_seconds"`
	ResponseTimeoutSeconds int    `mapstructure:"response_timeout_seconds"`
	SettleMillis           int    `mapstructure:"settle_millis"`
}

// PubSubConfig holds metadata for search-completed notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DIRECTORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindCompatEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.request_timeout_seconds", 180)
	v.SetDefault("server.cors_allowed_origins", []string{"*"})
	v.SetDefault("logging.development", true)
	v.SetDefault("google.base_url", "https://maps.googleapis.com")
	v.SetDefault("google.search_radius_meters", 50000)
	v.SetDefault("google.timeout_seconds", 15)
	v.SetDefault("refcom.base_url", "https://api.refcom.org.uk/api/PublicCompany")
	v.SetDefault("refcom.postcode_radius", 10)
	v.SetDefault("refcom.scheme", "both")
	v.SetDefault("refcom.user_agent", "directory-api/0.1")
	v.SetDefault("refcom.timeout_seconds", 15)
	v.SetDefault("fgas.directory_url", "https://fgasregister.com/company-directory/")
	v.SetDefault("fgas.widget_url_fragment", "sites.shocklogic.com/FGAS/directory")
	v.SetDefault("fgas.data_endpoint", "/Activity/401")
	v.SetDefault("fgas.default_records", 10)
	v.SetDefault("fgas.max_records", 500)
	v.SetDefault("fgas.max_parallel", 2)
	v.SetDefault("fgas.launch_timeout_seconds", 30)
	v.SetDefault("fgas.nav_timeout_seconds", 60)
	v.SetDefault("fgas.frame_timeout_seconds", 30)
	v.SetDefault("fgas.input_timeout_seconds", 20)
	v.SetDefault("fgas.response_timeout_seconds", 30)
	v.SetDefault("fgas.settle_millis", 1000)
}

// bindCompatEnv keeps the bare PORT and GOOGLE_API_KEY variables working.
func bindCompatEnv(v *viper.Viper) error {
	if err := v.BindEnv("server.port", "DIRECTORY_SERVER_PORT", "PORT"); err != nil {
		return fmt.Errorf("bind server.port env: %w", err)
	}
	if err := v.BindEnv("google.api_key", "DIRECTORY_GOOGLE_API_KEY", "GOOGLE_API_KEY"); err != nil {
		return fmt.Errorf("bind google.api_key env: %w", err)
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Google.TimeoutSeconds <= 0 {
		return fmt.Errorf("google.timeout_seconds must be > 0")
	}
	if c.Google.SearchRadiusMeters <= 0 {
		return fmt.Errorf("google.search_radius_meters must be > 0")
	}
	if c.Refcom.TimeoutSeconds <= 0 {
		return fmt.Errorf("refcom.timeout_seconds must be > 0")
	}
	if c.FGas.DefaultRecords <= 0 || c.FGas.DefaultRecords > c.FGas.MaxRecords {
		return fmt.Errorf("fgas.default_records must be between 1 and fgas.max_records")
	}
	if c.FGas.ResponseTimeoutSeconds <= 0 || c.FGas.FrameTimeoutSeconds <= 0 || c.FGas.LaunchTimeoutSeconds <= 0 {
		return fmt.Errorf("fgas timeouts must be > 0")
	}
	if c.FGas.MaxParallel < 0 {
		return fmt.Errorf("fgas.max_parallel must be >= 0")
	}
	if c.FGas.SettleMillis < 0 {
		return fmt.Errorf("fgas.settle_millis must be >= 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// RequestTimeout is the per-request budget enforced by the HTTP server.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// Seconds converts a whole-second config value into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
