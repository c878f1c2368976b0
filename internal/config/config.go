package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aminovpavel/meshgate/internal/observability"
)

const (
	configFileEnv     = "MESHGATE_CONFIG_FILE"
	defaultConfigFile = "config.yaml"
	dotEnvFile        = ".env"
)

var envPrefixes = []string{"MESHGATE_", "MESHDASH_"}

// Settings backends.
const (
	SettingsBackendFile  = "file"
	SettingsBackendRedis = "redis"
)

// App contains the full application configuration.
type App struct {
	Name string `yaml:"name"`

	MQTTBrokerAddress string `yaml:"mqtt_broker_address"`
	MQTTPort          int    `yaml:"mqtt_port"`
	MQTTUsername      string `yaml:"mqtt_username"`
	MQTTPassword      string `yaml:"mqtt_password"`
	MQTTTopicPrefix   string `yaml:"mqtt_topic_prefix"`
	MQTTRegion        string `yaml:"mqtt_region"`
	MQTTClientID      string `yaml:"mqtt_client_id"`
	NodeID            string `yaml:"node_id"`
	SelfFromGateway   bool   `yaml:"self_from_gateway"`

	LogLevel             string `yaml:"log_level"`
	LogJSON              bool   `yaml:"log_json"`
	APIAddress           string `yaml:"api_address"`
	ObservabilityAddress string `yaml:"observability_address"`

	ActivityLogEnabled  bool   `yaml:"activity_log_enabled"`
	ActivityDatabase    string `yaml:"activity_database_file"`
	ActivityQueueSize   int    `yaml:"activity_queue_size"`
	ActivityStoreRaw    bool   `yaml:"activity_store_raw"`
	MaintenanceInterval int    `yaml:"maintenance_interval"`

	SettingsBackend string `yaml:"settings_backend"`
	SettingsFile    string `yaml:"settings_file"`
	RedisAddress    string `yaml:"redis_address"`
	RedisUsername   string `yaml:"redis_username"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisKey        string `yaml:"redis_key"`
	RedisTLS        bool   `yaml:"redis_tls"`

	MaxMessagesPerConversation int     `yaml:"max_messages_per_conversation"`
	DedupCapacity              int     `yaml:"dedup_capacity"`
	RecentSends                int     `yaml:"recent_sends"`
	EchoWindowSeconds          float64 `yaml:"echo_window_secs"`
	HousekeepIntervalSeconds   float64 `yaml:"housekeep_interval_secs"`
	SendRatePerMinute          int     `yaml:"send_rate_per_minute"`
	SendTimeoutSeconds         float64 `yaml:"send_timeout_secs"`
	MaxPayloadBytes            int     `yaml:"max_payload_bytes"`

	// ConfigPath is the YAML file that was actually read, if any.
	ConfigPath string `yaml:"-"`
}

// New reads the configuration from file (if provided), .env files and
// environment overrides, in that order of increasing precedence.
func New(path string) (*App, error) {
	cfg := defaultConfig()

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	dotenv, err := readDotEnv(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(lookupWith(dotenv)); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.MQTTClientID) == "" {
		cfg.MQTTClientID = "meshgate-" + uuid.NewString()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *App {
	return &App{
		Name:                       "Meshgate",
		MQTTBrokerAddress:          "127.0.0.1",
		MQTTPort:                   1883,
		MQTTTopicPrefix:            "msh",
		MQTTRegion:                 "US",
		LogLevel:                   "INFO",
		APIAddress:                 ":8080",
		ObservabilityAddress:       ":2112",
		ActivityLogEnabled:         true,
		ActivityDatabase:           "logs/activity.db",
		ActivityQueueSize:          512,
		ActivityStoreRaw:           true,
		MaintenanceInterval:        360,
		SettingsBackend:            SettingsBackendFile,
		SettingsFile:               "settings.json",
		RedisAddress:               "127.0.0.1:6379",
		MaxMessagesPerConversation: 2000,
		DedupCapacity:              10000,
		RecentSends:                512,
		EchoWindowSeconds:          5,
		HousekeepIntervalSeconds:   5,
		SendRatePerMinute:          30,
		SendTimeoutSeconds:         10,
		MaxPayloadBytes:            256 * 1024,
	}
}

// MaintenanceEvery is the activity log maintenance interval.
func (a *App) MaintenanceEvery() time.Duration {
	return time.Duration(a.MaintenanceInterval) * time.Minute
}

// EchoWindow is how long an own send suppresses its echo.
func (a *App) EchoWindow() time.Duration {
	return seconds(a.EchoWindowSeconds)
}

// HousekeepInterval is the gauge refresh and summary period.
func (a *App) HousekeepInterval() time.Duration {
	return seconds(a.HousekeepIntervalSeconds)
}

// SendTimeout bounds one downlink publish.
func (a *App) SendTimeout() time.Duration {
	return seconds(a.SendTimeoutSeconds)
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func (a *App) applyFile(path string) error {
	// Only a path passed by the caller must exist.
	required := path != ""
	if path == "" {
		path = os.Getenv(configFileEnv)
	}
	if path == "" {
		path = defaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, a); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	a.ConfigPath = path
	return nil
}

// readDotEnv reads .env from the working directory and next to the config
// file. Values are returned rather than exported into the process.
func readDotEnv(configPath string) (map[string]string, error) {
	paths := []string{dotEnvFile}
	if configPath != "" {
		if sibling := filepath.Join(filepath.Dir(configPath), dotEnvFile); sibling != dotEnvFile {
			paths = append(paths, sibling)
		}
	}

	merged := make(map[string]string)
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		values, err := godotenv.Read(p)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", p, err)
		}
		for k, v := range values {
			merged[k] = v
		}
	}
	return merged, nil
}

type lookupFunc func(key string) (string, bool)

// lookupWith prefers the real environment over .env values.
func lookupWith(dotenv map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

func (a *App) applyEnv(lookup lookupFunc) error {
	val := reflect.ValueOf(a).Elem()
	typ := val.Type()

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		raw, ok := lookupPrefixed(lookup, strings.ToUpper(tag))
		if !ok {
			continue
		}
		if err := setField(val.Field(i), raw); err != nil {
			return fmt.Errorf("config: env %s: %w", strings.ToUpper(tag), err)
		}
	}
	return nil
}

// lookupPrefixed checks the prefixes in order, so MESHGATE_ wins over MESHDASH_.
func lookupPrefixed(lookup lookupFunc, key string) (string, bool) {
	for _, prefix := range envPrefixes {
		if v, ok := lookup(prefix + key); ok {
			return v, true
		}
	}
	return "", false
}

func setField(field reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(v))
	case reflect.Float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := parseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(v)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", raw)
	}
}

func (a *App) validate() error {
	if a.MQTTPort <= 0 {
		return errors.New("config: mqtt_port must be positive")
	}
	if _, err := observability.ParseLevel(a.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	switch a.SettingsBackend {
	case SettingsBackendFile:
		if strings.TrimSpace(a.SettingsFile) == "" {
			return errors.New("config: settings_file must be set for the file backend")
		}
	case SettingsBackendRedis:
		if strings.TrimSpace(a.RedisAddress) == "" {
			return errors.New("config: redis_address must be set for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown settings_backend %q", a.SettingsBackend)
	}
	if a.ActivityLogEnabled && strings.TrimSpace(a.ActivityDatabase) == "" {
		return errors.New("config: activity_database_file must be set when the activity log is enabled")
	}
	return nil
}
