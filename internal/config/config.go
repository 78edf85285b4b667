package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "RAILWATCH"
	defaultHTTPAddress   = "0.0.0.0:8001"
	defaultDatabasePath  = "railwatch.db"
	defaultLogLevel      = "info"
	defaultScanInterval  = time.Second
	defaultSearchTimeout = 15 * time.Second
)

// AppConfig captures runtime configuration for the API server and worker.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	SettingsSealKey    string
	FCMCredentialsFile string
	TelegramAPIBase    string
	KorailBaseURL      string
	WorkerScanInterval time.Duration
	SearchDelayWarning time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("worker.scan_interval", defaultScanInterval)
	configViper.SetDefault("search.delay_warning", defaultSearchTimeout)
	configViper.SetDefault("telegram.api_base", "")
	configViper.SetDefault("korail.base_url", "")
	configViper.SetDefault("fcm.credentials_file", "")
	configViper.SetDefault("settings.seal_key", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		SettingsSealKey:    configViper.GetString("settings.seal_key"),
		FCMCredentialsFile: configViper.GetString("fcm.credentials_file"),
		TelegramAPIBase:    configViper.GetString("telegram.api_base"),
		KorailBaseURL:      configViper.GetString("korail.base_url"),
		WorkerScanInterval: configViper.GetDuration("worker.scan_interval"),
		SearchDelayWarning: configViper.GetDuration("search.delay_warning"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if key := strings.TrimSpace(c.SettingsSealKey); key != "" {
		switch len(key) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("settings.seal_key must be 16, 24, or 32 bytes")
		}
	}
	return nil
}
