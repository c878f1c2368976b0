package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/aminovpavel/meshgate/internal/config"
	"github.com/aminovpavel/meshgate/internal/decode"
	"github.com/aminovpavel/meshgate/internal/gateway"
	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/mqtt"
	"github.com/aminovpavel/meshgate/internal/settings"
	"github.com/aminovpavel/meshgate/internal/storage"
)

// BuildMQTTConfig maps broker credentials, topic root and the configured
// node id used as the downlink sender.
func BuildMQTTConfig(cfg *config.App) mqtt.Config {
	if cfg == nil {
		return mqtt.Config{}
	}
	return mqtt.Config{
		BrokerHost:  strings.TrimSpace(cfg.MQTTBrokerAddress),
		BrokerPort:  cfg.MQTTPort,
		Username:    strings.TrimSpace(cfg.MQTTUsername),
		Password:    strings.TrimSpace(cfg.MQTTPassword),
		TopicPrefix: cfg.MQTTTopicPrefix,
		Region:      cfg.MQTTRegion,
		NodeID:      normaliseNodeID(cfg.NodeID),
		ClientID:    strings.TrimSpace(cfg.MQTTClientID),
	}
}

// BuildGatewayConfig maps store capacities, send pacing and self identity.
func BuildGatewayConfig(cfg *config.App) gateway.Config {
	if cfg == nil {
		return gateway.Config{}
	}
	return gateway.Config{
		MessagesPerConversation: cfg.MaxMessagesPerConversation,
		DedupCapacity:           cfg.DedupCapacity,
		RecentSends:             cfg.RecentSends,
		EchoWindow:              cfg.EchoWindow(),
		SendRatePerMinute:       cfg.SendRatePerMinute,
		SendTimeout:             cfg.SendTimeout(),
		SelfID:                  normaliseNodeID(cfg.NodeID),
		SelfFromGateway:         cfg.SelfFromGateway,
	}
}

// BuildStorageConfig maps the activity log settings.
func BuildStorageConfig(cfg *config.App) storage.SQLiteConfig {
	if cfg == nil {
		return storage.SQLiteConfig{}
	}
	return storage.SQLiteConfig{
		Path:                strings.TrimSpace(cfg.ActivityDatabase),
		QueueSize:           cfg.ActivityQueueSize,
		MaintenanceInterval: cfg.MaintenanceEvery(),
	}
}

// BuildDecoderConfig maps decoder options.
func BuildDecoderConfig(cfg *config.App) decode.MeshtasticConfig {
	if cfg == nil {
		return decode.MeshtasticConfig{}
	}
	return decode.MeshtasticConfig{KeepRaw: cfg.ActivityLogEnabled && cfg.ActivityStoreRaw}
}

// BuildRedisConfig maps the redis settings backend.
func BuildRedisConfig(cfg *config.App) settings.RedisConfig {
	if cfg == nil {
		return settings.RedisConfig{}
	}
	key := strings.TrimSpace(cfg.RedisKey)
	if key == "" {
		key = settings.DefaultRedisKey
	}
	return settings.RedisConfig{
		Address:    strings.TrimSpace(cfg.RedisAddress),
		Username:   strings.TrimSpace(cfg.RedisUsername),
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		Key:        key,
		TLSEnabled: cfg.RedisTLS,
	}
}

// OpenSettingsPersister builds the configured settings backend. The returned
// close function is never nil.
func OpenSettingsPersister(ctx context.Context, cfg *config.App) (settings.Persister, func() error, error) {
	noop := func() error { return nil }
	if cfg == nil {
		return nil, noop, fmt.Errorf("app: config is nil")
	}
	switch cfg.SettingsBackend {
	case config.SettingsBackendRedis:
		p, err := settings.NewRedisPersister(ctx, BuildRedisConfig(cfg))
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	case config.SettingsBackendFile, "":
		return settings.NewFilePersister(cfg.SettingsFile), noop, nil
	default:
		return nil, noop, fmt.Errorf("app: unknown settings backend %q", cfg.SettingsBackend)
	}
}

// normaliseNodeID accepts "!a0cb0f88", "A0CB0F88" or short hex like "beef"
// and renders the canonical "!%08x" form. Anything else is only lowercased.
func normaliseNodeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}
	if num, ok := mesh.ParseNodeID(id); ok {
		return mesh.NodeID(num)
	}
	if !strings.HasPrefix(id, "!") {
		id = "!" + id
	}
	return id
}
