package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/events"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "TANDEM"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "tandem.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultCookieName    = "tandem_session"
	defaultIssuer        = "tandem"
	defaultMongoDatabase = "tandem"
	defaultRedisPrefix   = "tandem:propagation"

	DatabaseMongo  = "mongo"
	DatabaseSQLite = "sqlite"
	DatabaseMySQL  = "mysql"

	BrokerMemory = "memory"
	BrokerRedis  = "redis"

	PushFCM = "fcm"
	PushLog = "log"

	policyPrefix = "notifications.policy."
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	Database DatabaseConfig
	Broker   BrokerConfig
	Push     PushConfig
	Auth     AuthConfig

	NotificationPolicy events.Policy
	// HonorOptOut skips profile users that turned notifications off.
	HonorOptOut bool
}

type DatabaseConfig struct {
	Driver        string
	Path          string
	DSN           string
	MongoURI      string
	MongoDatabase string
}

// BrokerConfig selects the propagation channel and its retry bounds.
type BrokerConfig struct {
	Driver        string
	Workers       int
	Buffer        int
	RetryMin      time.Duration
	RetryMax      time.Duration
	MaxAttempts   int
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

type PushConfig struct {
	Provider        string
	CredentialsFile string
	ProjectID       string
	Timeout         time.Duration
}

type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", DatabaseSQLite)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("mongo.database", defaultMongoDatabase)
	configViper.SetDefault("broker.driver", BrokerMemory)
	configViper.SetDefault("redis.prefix", defaultRedisPrefix)
	configViper.SetDefault("propagation.workers", 4)
	configViper.SetDefault("propagation.buffer", 1024)
	configViper.SetDefault("propagation.retry_min", 5*time.Second)
	configViper.SetDefault("propagation.retry_max", 2*time.Minute)
	configViper.SetDefault("propagation.max_attempts", 8)
	configViper.SetDefault("push.provider", PushLog)
	configViper.SetDefault("push.timeout", 10*time.Second)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("notifications.honor_opt_out", false)
	for _, updateType := range events.UpdateTypes() {
		configViper.SetDefault(policyPrefix+string(updateType), true)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		Database: DatabaseConfig{
			Driver:        strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:          configViper.GetString("database.path"),
			DSN:           configViper.GetString("database.dsn"),
			MongoURI:      configViper.GetString("mongo.uri"),
			MongoDatabase: configViper.GetString("mongo.database"),
		},
		Broker: BrokerConfig{
			Driver:        strings.ToLower(strings.TrimSpace(configViper.GetString("broker.driver"))),
			Workers:       configViper.GetInt("propagation.workers"),
			Buffer:        configViper.GetInt("propagation.buffer"),
			RetryMin:      configViper.GetDuration("propagation.retry_min"),
			RetryMax:      configViper.GetDuration("propagation.retry_max"),
			MaxAttempts:   configViper.GetInt("propagation.max_attempts"),
			RedisAddress:  configViper.GetString("redis.address"),
			RedisPassword: configViper.GetString("redis.password"),
			RedisDB:       configViper.GetInt("redis.db"),
			RedisPrefix:   configViper.GetString("redis.prefix"),
		},
		Push: PushConfig{
			Provider:        strings.ToLower(strings.TrimSpace(configViper.GetString("push.provider"))),
			CredentialsFile: configViper.GetString("push.credentials_file"),
			ProjectID:       configViper.GetString("push.project_id"),
			Timeout:         configViper.GetDuration("push.timeout"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
		},
		NotificationPolicy: make(events.Policy, len(events.UpdateTypes())),
		HonorOptOut:        configViper.GetBool("notifications.honor_opt_out"),
	}
	for _, updateType := range events.UpdateTypes() {
		cfg.NotificationPolicy[updateType] = configViper.GetBool(policyPrefix + string(updateType))
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	switch c.Database.Driver {
	case DatabaseSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseMySQL:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required")
		}
	case DatabaseMongo:
		if strings.TrimSpace(c.Database.MongoURI) == "" {
			return fmt.Errorf("mongo.uri is required")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Broker.Driver {
	case BrokerMemory:
	case BrokerRedis:
		if strings.TrimSpace(c.Broker.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required")
		}
	default:
		return fmt.Errorf("unsupported broker.driver %q", c.Broker.Driver)
	}
	if c.Broker.MaxAttempts < 1 {
		return fmt.Errorf("propagation.max_attempts must be positive")
	}
	switch c.Push.Provider {
	case PushLog:
	case PushFCM:
		if strings.TrimSpace(c.Push.ProjectID) == "" && strings.TrimSpace(c.Push.CredentialsFile) == "" {
			return fmt.Errorf("push.project_id or push.credentials_file is required")
		}
	default:
		return fmt.Errorf("unsupported push.provider %q", c.Push.Provider)
	}
	return nil
}
