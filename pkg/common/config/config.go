package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Relay modes supported by the service.
const (
	ModeWebToWeb   = "web-to-web"
	ModeWebToDimse = "web-to-dimse"
	ModeDimsePull  = "dimse-pull"
)

// Ledger backends.
const (
	LedgerFile  = "file"
	LedgerRedis = "redis"
)

type Config struct {
	// Server
	ServerPort   string
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64

	// Relay
	RelayMode         string
	PollInterval      time.Duration
	StudyPause        time.Duration
	MoveTimeout       time.Duration
	ReceiveQuiescence time.Duration

	// DICOMweb endpoints
	SourceWebURL string
	DestWebURL   string

	// DIMSE endpoints
	LocalAETitle    string
	ListenerPort    int
	SourceAETitle   string
	SourceHost      string
	SourceDimsePort int
	DestAETitle     string
	DestHost        string
	DestDimsePort   int

	// Receiver
	OutputDir string

	// Ledger
	LedgerBackend string
	LedgerPath    string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers      []string
	KafkaGroupID      string
	RelayEventTopic   string
	RelayRequestTopic string

	// Postgres (relay journal)
	JournalEnabled   bool
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// OAuth2 client credentials for secured DICOMweb endpoints
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string

	// Outbound HTTP
	HTTPTimeout    time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration

	fileErr error
}

func Load() *Config {
	cfg := &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 60*time.Second),
		MaxBodyBytes: int64(getIntEnv("MAX_BODY_BYTES", 512*1024*1024)),

		RelayMode:         getEnv("RELAY_MODE", ModeWebToWeb),
		PollInterval:      getDuration("POLL_INTERVAL", 5*time.Second),
		StudyPause:        getDuration("STUDY_PAUSE", 1*time.Second),
		MoveTimeout:       getDuration("MOVE_TIMEOUT", 5*time.Minute),
		ReceiveQuiescence: getDuration("RECEIVE_QUIESCENCE", 2*time.Second),

		SourceWebURL: strings.TrimRight(getEnv("SOURCE_WEB_URL", "http://localhost:8042/dicom-web"), "/"),
		DestWebURL:   strings.TrimRight(getEnv("DEST_WEB_URL", "http://localhost:8043/dicom-web"), "/"),

		LocalAETitle:    getEnv("LOCAL_AE_TITLE", "PACS_RELAY"),
		ListenerPort:    getIntEnv("LISTENER_PORT", 11112),
		SourceAETitle:   getEnv("SOURCE_AE_TITLE", "ORTHANC"),
		SourceHost:      getEnv("SOURCE_HOST", "localhost"),
		SourceDimsePort: getIntEnv("SOURCE_DIMSE_PORT", 4242),
		DestAETitle:     getEnv("DEST_AE_TITLE", "DESTINATION_SCP"),
		DestHost:        getEnv("DEST_HOST", "localhost"),
		DestDimsePort:   getIntEnv("DEST_DIMSE_PORT", 11113),

		OutputDir: getEnv("OUTPUT_DIR", "./received_dicom"),

		LedgerBackend: getEnv("LEDGER_BACKEND", LedgerFile),
		LedgerPath:    getEnv("LEDGER_PATH", ""),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:      getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "pacs-relay"),
		RelayEventTopic:   getEnv("RELAY_EVENT_TOPIC", ""),
		RelayRequestTopic: getEnv("RELAY_REQUEST_TOPIC", ""),

		JournalEnabled:   getBoolEnv("RELAY_JOURNAL", false),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "pacsrelay"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "pacsrelay123"),
		PostgresDB:       getEnv("POSTGRES_DB", "pacsrelay"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),

		HTTPTimeout:    getDuration("HTTP_TIMEOUT", 2*time.Minute),
		RetryAttempts:  getIntEnv("RETRY_ATTEMPTS", 3),
		RetryBaseDelay: getDuration("RETRY_BASE_DELAY", 250*time.Millisecond),
	}

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			// Env values remain in effect; main decides whether this is fatal.
			cfg.fileErr = err
		}
	}

	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(cfg.OutputDir, ".relayed_studies.json")
	}

	return cfg
}

// fileConfig mirrors the subset of Config that may be set from a YAML file.
// File values override environment values when present.
type fileConfig struct {
	RelayMode         string `yaml:"relay_mode"`
	PollInterval      string `yaml:"poll_interval"`
	SourceWebURL      string `yaml:"source_web_url"`
	DestWebURL        string `yaml:"dest_web_url"`
	LocalAETitle      string `yaml:"local_ae_title"`
	ListenerPort      int    `yaml:"listener_port"`
	SourceAETitle     string `yaml:"source_ae_title"`
	SourceHost        string `yaml:"source_host"`
	SourceDimsePort   int    `yaml:"source_dimse_port"`
	DestAETitle       string `yaml:"dest_ae_title"`
	DestHost          string `yaml:"dest_host"`
	DestDimsePort     int    `yaml:"dest_dimse_port"`
	OutputDir         string `yaml:"output_dir"`
	LedgerBackend     string `yaml:"ledger_backend"`
	LedgerPath        string `yaml:"ledger_path"`
	RelayEventTopic   string `yaml:"relay_event_topic"`
	RelayRequestTopic string `yaml:"relay_request_topic"`
}

func (c *Config) applyFile(path string) error {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(content, &fc); err != nil {
		return err
	}

	setString(&c.RelayMode, fc.RelayMode)
	setString(&c.SourceWebURL, strings.TrimRight(fc.SourceWebURL, "/"))
	setString(&c.DestWebURL, strings.TrimRight(fc.DestWebURL, "/"))
	setString(&c.LocalAETitle, fc.LocalAETitle)
	setString(&c.SourceAETitle, fc.SourceAETitle)
	setString(&c.SourceHost, fc.SourceHost)
	setString(&c.DestAETitle, fc.DestAETitle)
	setString(&c.DestHost, fc.DestHost)
	setString(&c.OutputDir, fc.OutputDir)
	setString(&c.LedgerBackend, fc.LedgerBackend)
	setString(&c.LedgerPath, fc.LedgerPath)
	setString(&c.RelayEventTopic, fc.RelayEventTopic)
	setString(&c.RelayRequestTopic, fc.RelayRequestTopic)
	setInt(&c.ListenerPort, fc.ListenerPort)
	setInt(&c.SourceDimsePort, fc.SourceDimsePort)
	setInt(&c.DestDimsePort, fc.DestDimsePort)
	if fc.PollInterval != "" {
		if d, err := time.ParseDuration(fc.PollInterval); err == nil {
			c.PollInterval = d
		}
	}
	return nil
}

// FileErr reports any error encountered while applying RELAY_CONFIG_FILE.
func (c *Config) FileErr() error {
	return c.fileErr
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
