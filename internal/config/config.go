package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "COMMONS"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "commons.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "app_session"
	defaultIssuer          = "tauth"
	defaultStoreBackend    = StoreBackendFile
	defaultStoreDataDir    = "data"
	defaultBadgerPath      = "data/badger"
	defaultGeocoderBaseURL = "https://api-adresse.data.gouv.fr"
	defaultGeocoderTimeout = 2 * time.Second
	defaultGeocoderRPS     = 10.0
	defaultKafkaTopic      = "commons.activity"
	defaultTokenTTL        = 30 * time.Minute
)

// Store backends accepted by store.backend.
const (
	StoreBackendFile   = "file"
	StoreBackendSQLite = "sqlite"
	StoreBackendBadger = "badger"
	StoreBackendRedis  = "redis"
)

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress     string
	LogLevel        string
	DatabasePath    string
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	TokenTTL        time.Duration

	StoreBackend  string
	StoreDataDir  string
	BadgerPath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GeocoderEnabled bool
	GeocoderBaseURL string
	GeocoderTimeout time.Duration
	GeocoderRPS     float64

	KafkaBrokers []string
	KafkaTopic   string

	SymmetricLeave bool
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
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("tauth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("store.data_dir", defaultStoreDataDir)
	configViper.SetDefault("store.badger_path", defaultBadgerPath)
	configViper.SetDefault("store.redis_db", 0)
	configViper.SetDefault("geocoder.enabled", true)
	configViper.SetDefault("geocoder.base_url", defaultGeocoderBaseURL)
	configViper.SetDefault("geocoder.timeout", defaultGeocoderTimeout)
	configViper.SetDefault("geocoder.requests_per_second", defaultGeocoderRPS)
	configViper.SetDefault("activity.kafka_topic", defaultKafkaTopic)
	configViper.SetDefault("spaces.symmetric_leave", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		LogLevel:        configViper.GetString("log.level"),
		DatabasePath:    configViper.GetString("database.path"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		TokenTTL:        configViper.GetDuration("tauth.token_ttl"),
		StoreBackend:    strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		StoreDataDir:    configViper.GetString("store.data_dir"),
		BadgerPath:      configViper.GetString("store.badger_path"),
		RedisAddr:       configViper.GetString("store.redis_addr"),
		RedisPassword:   configViper.GetString("store.redis_password"),
		RedisDB:         configViper.GetInt("store.redis_db"),
		GeocoderEnabled: configViper.GetBool("geocoder.enabled"),
		GeocoderBaseURL: configViper.GetString("geocoder.base_url"),
		GeocoderTimeout: configViper.GetDuration("geocoder.timeout"),
		GeocoderRPS:     configViper.GetFloat64("geocoder.requests_per_second"),
		KafkaBrokers:    splitList(configViper.GetStringSlice("activity.kafka_brokers")),
		KafkaTopic:      configViper.GetString("activity.kafka_topic"),
		SymmetricLeave:  configViper.GetBool("spaces.symmetric_leave"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.TAuthIssuer) == "" {
		return fmt.Errorf("tauth.issuer is required")
	}
	switch c.StoreBackend {
	case StoreBackendFile:
		if strings.TrimSpace(c.StoreDataDir) == "" {
			return fmt.Errorf("store.data_dir is required for the file backend")
		}
	case StoreBackendSQLite:
	case StoreBackendBadger:
		if strings.TrimSpace(c.BadgerPath) == "" {
			return fmt.Errorf("store.badger_path is required for the badger backend")
		}
	case StoreBackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of file, sqlite, badger, redis (got %q)", c.StoreBackend)
	}
	if c.GeocoderTimeout <= 0 {
		return fmt.Errorf("geocoder.timeout must be positive")
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		return fmt.Errorf("activity.kafka_topic is required when brokers are set")
	}
	return nil
}

// splitList accepts both list values and a single comma-separated env value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
