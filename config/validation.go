package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	if c.Redis.Address == "" {
		return errors.New("redis address must be specified")
	}

	if c.Presence.TTL < 1 {
		return errors.New("presence TTL must be at least 1 second")
	}
	if c.Presence.StaleMs < 1000 {
		return errors.New("presence staleMs must be at least 1000 milliseconds")
	}
	if c.Presence.Channel == "" {
		return errors.New("presence channel must be configured")
	}

	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		// Re-uses the main Redis connection, already validated above.
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis' or 'kafka'", c.Broker.Type)
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "NAWANAPAM_PORT")

	// Redis
	viper.BindEnv("redis.address", "NAWANAPAM_REDIS_ADDRESS")
	viper.BindEnv("redis.password", "NAWANAPAM_REDIS_PASSWORD")
	viper.BindEnv("redis.db", "NAWANAPAM_REDIS_DB")

	// Presence
	viper.BindEnv("presence.ttl", "NAWANAPAM_PRESENCE_TTL")
	viper.BindEnv("presence.staleMs", "NAWANAPAM_STALE_MS")
	viper.BindEnv("presence.channel", "NAWANAPAM_PRESENCE_CHANNEL")

	// Broker
	viper.BindEnv("broker.type", "NAWANAPAM_BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "NAWANAPAM_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.groupID", "NAWANAPAM_KAFKA_GROUPID")

	// Auth
	viper.BindEnv("auth.enabled", "NAWANAPAM_AUTH_ENABLED")
	viper.BindEnv("auth.jwtSecret", "NAWANAPAM_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "NAWANAPAM_AUTH_TOKEN_PARAM")
	viper.BindEnv("auth.revocationListKey", "NAWANAPAM_AUTH_REVOCATION_KEY")

	// WebSocket
	viper.BindEnv("websocket.maxConnections", "NAWANAPAM_MAX_CONNECTIONS")
	viper.BindEnv("websocket.handshakeTimeout", "NAWANAPAM_HANDSHAKE_TIMEOUT")
	viper.BindEnv("websocket.pingInterval", "NAWANAPAM_PING_INTERVAL")
	viper.BindEnv("websocket.activityTimeout", "NAWANAPAM_ACTIVITY_TIMEOUT")
	viper.BindEnv("websocket.writeTimeout", "NAWANAPAM_WRITE_TIMEOUT")
}
