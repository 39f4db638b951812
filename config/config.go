package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Redis     RedisConfig
	Presence  PresenceConfig
	Broker    BrokerConfig
	Auth      AuthConfig
	WebSocket WebSocketConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int
}

// PresenceConfig controls liveness tracking and peer selection.
// TTL is the presence record expiry in seconds; clients are expected to
// heartbeat at an interval well below it. StaleMs is the maximum age of a
// candidate's last-seen timestamp before the pairing script refuses it.
type PresenceConfig struct {
	TTL     int // Seconds
	StaleMs int64
	Channel string // pub/sub channel carrying matched/ended frames
}

type BrokerConfig struct {
	Type  string // "redis" or "kafka"
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int64
	HandshakeTimeout int
	PingInterval     int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	KeepAlive        bool
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("NAWANAPAM")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			// Defaults plus bound env vars form a complete configuration,
			// so a missing file is not fatal.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		instance = &AppConfig{}
		if err := viper.Unmarshal(instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
