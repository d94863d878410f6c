package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Role selects which binary's settings are validated.
type Role string

const (
	RoleWorker Role = "worker"
	RoleAPI    Role = "api"
	RoleCLI    Role = "cli"
)

// API modes.
const (
	ModeOrchestrator = "orchestrator"
	ModeInstance     = "instance"
)

// Config represents the complete process configuration. It is built once at
// startup and passed to constructors.
type Config struct {
	// ServerPort is the port the process listens on.
	ServerPort string

	// LogLevel and LogFormat configure the zap logger.
	LogLevel  string
	LogFormat string

	// TracingEnabled turns on the stdout span exporter.
	TracingEnabled bool

	// IDSecret keys the Blowfish id codec.
	IDSecret string

	// InstancesFile is the YAML instance registry.
	InstancesFile string

	Database DatabaseConfig
	Queue    QueueConfig
	Tracking TrackingConfig
	Worker   WorkerConfig
	Archive  ArchiveConfig
	API      APIConfig
	Galaxy   GalaxyConfig
}

// DatabaseConfig contains tracking store connection configuration.
type DatabaseConfig struct {
	// Provider is the database provider ("spanner", "postgres", "badger").
	Provider string

	// ProjectID is used by GCP Spanner.
	ProjectID string

	// Instance is the database instance name (Spanner-specific).
	Instance string

	// Database is the database name.
	Database string

	// URL is the Postgres connection string.
	URL string

	// Path is the badger directory; empty runs in memory.
	Path string
}

// QueueConfig configures the NATS JetStream work queue.
type QueueConfig struct {
	URL      string
	Stream   string
	Prefix   string
	Durable  string
	Prefetch int
	AckMode  string
	AckWait  time.Duration
}

// TrackingConfig points the worker at the tracking API.
type TrackingConfig struct {
	URL   string
	Token string

	// RequestsPerSecond throttles calls to the tracking API; zero disables.
	RequestsPerSecond float64
}

// WorkerConfig tunes the state machine worker.
type WorkerConfig struct {
	ID string

	// Lanes is the number of sequential processing goroutines.
	Lanes int

	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration

	PollInterval    time.Duration
	PollMaxAttempts int
	PollMaxFailures int

	// MinFreeGB is the remote free space below which exports are refused.
	MinFreeGB float64

	StagingDir string

	StuckAfter    time.Duration
	SweepInterval time.Duration

	// PostActions maps an outcome ("finished", "failed") to action names.
	PostActions map[string][]string
}

// ArchiveConfig configures transfers to the archival storage.
type ArchiveConfig struct {
	// Backend is "scp", "gcs" or "s3".
	Backend string

	// StorageURL, ClientKey and ClientSecret address the credential endpoint.
	StorageURL   string
	ClientKey    string
	ClientSecret string

	KnownHostsFile  string
	InsecureHostKey bool
	SSHPort         int

	// Bucket is used by the gcs and s3 backends.
	Bucket string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
}

// APIConfig configures cmd/api.
type APIConfig struct {
	// Mode is "orchestrator" or "instance".
	Mode string

	// Keys are accepted bearer tokens.
	Keys []string

	AllowedOrigins []string

	StateTTL time.Duration
}

// GalaxyConfig is used in instance mode.
type GalaxyConfig struct {
	Name        string
	DatabaseURL string
	FileDir     string

	// GracePeriod is the number of days a user may postpone accepting the terms.
	GracePeriod int
}

// LoadFromEnv loads configuration from environment variables.
// This follows the 12-factor app methodology for configuration.
func LoadFromEnv(role Role) (*Config, error) {
	hostname, _ := os.Hostname()

	config := &Config{
		ServerPort:     getEnvOrDefault("SERVER_PORT", defaultPort(role)),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:      getEnvOrDefault("LOG_FORMAT", "json"),
		TracingEnabled: getEnvAsBool("TRACING_ENABLED", false),
		IDSecret:       os.Getenv("ID_SECRET"),
		InstancesFile:  os.Getenv("INSTANCES_CONFIG"),
		Database: DatabaseConfig{
			Provider:  getEnvOrDefault("DB_PROVIDER", "spanner"),
			ProjectID: os.Getenv("DB_PROJECT_ID"),
			Instance:  os.Getenv("DB_INSTANCE"),
			Database:  os.Getenv("DB_DATABASE"),
			URL:       os.Getenv("DB_URL"),
			Path:      os.Getenv("DB_PATH"),
		},
		Queue: QueueConfig{
			URL:      getEnvOrDefault("NATS_URL", "nats://127.0.0.1:4222"),
			Stream:   getEnvOrDefault("NATS_STREAM", "FERRY"),
			Prefix:   getEnvOrDefault("NATS_SUBJECT_PREFIX", "ferry"),
			Durable:  getEnvOrDefault("NATS_DURABLE", "ferry-worker"),
			Prefetch: getEnvAsInt("WORKER_PREFETCH", 5),
			AckMode:  getEnvOrDefault("WORKER_ACK_MODE", "receipt"),
			AckWait:  getEnvAsSeconds("NATS_ACK_WAIT_SECONDS", 3600),
		},
		Tracking: TrackingConfig{
			URL:               os.Getenv("TRACKING_URL"),
			Token:             os.Getenv("TRACKING_TOKEN"),
			RequestsPerSecond: getEnvAsFloat("TRACKING_RPS", 0),
		},
		Worker: WorkerConfig{
			ID:                getEnvOrDefault("WORKER_ID", hostname),
			Lanes:             getEnvAsInt("WORKER_LANES", 5),
			LeaseTTL:          getEnvAsSeconds("WORKER_LEASE_TTL_SECONDS", 60),
			HeartbeatInterval: getEnvAsSeconds("WORKER_HEARTBEAT_SECONDS", 20),
			PollInterval:      getEnvAsSeconds("WORKER_POLL_INTERVAL_SECONDS", 10),
			PollMaxAttempts:   getEnvAsInt("WORKER_POLL_MAX_ATTEMPTS", 360),
			PollMaxFailures:   getEnvAsInt("WORKER_POLL_MAX_FAILURES", 3),
			MinFreeGB:         getEnvAsFloat("WORKER_MIN_FREE_GB", 30),
			StagingDir:        getEnvOrDefault("STAGING_DIR", os.TempDir()),
			StuckAfter:        getEnvAsSeconds("WORKER_STUCK_AFTER_SECONDS", 6*3600),
			SweepInterval:     getEnvAsSeconds("WORKER_SWEEP_INTERVAL_SECONDS", 300),
		},
		Archive: ArchiveConfig{
			Backend:         getEnvOrDefault("ARCHIVE_BACKEND", "scp"),
			StorageURL:      strings.TrimRight(os.Getenv("NELS_STORAGE_URL"), "/"),
			ClientKey:       os.Getenv("NELS_STORAGE_CLIENT_KEY"),
			ClientSecret:    os.Getenv("NELS_STORAGE_CLIENT_SECRET"),
			KnownHostsFile:  os.Getenv("SSH_KNOWN_HOSTS"),
			InsecureHostKey: getEnvAsBool("SSH_INSECURE_HOST_KEY", false),
			SSHPort:         getEnvAsInt("SSH_PORT", 22),
			Bucket:          os.Getenv("ARCHIVE_BUCKET"),
			S3Endpoint:      os.Getenv("S3_ENDPOINT"),
			S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
			S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
			S3UseSSL:        getEnvAsBool("S3_USE_SSL", true),
		},
		API: APIConfig{
			Mode:           getEnvOrDefault("MODE", ModeOrchestrator),
			Keys:           getEnvAsList("API_KEYS"),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),
			StateTTL:       getEnvAsSeconds("STATE_TTL_SECONDS", 3600),
		},
		Galaxy: GalaxyConfig{
			Name:        os.Getenv("GALAXY_NAME"),
			DatabaseURL: os.Getenv("GALAXY_DB_URL"),
			FileDir:     os.Getenv("GALAXY_FILE_DIR"),
			GracePeriod: getEnvAsInt("TOS_GRACE_PERIOD_DAYS", 14),
		},
	}

	actions, err := ParsePostActions(os.Getenv("POST_ACTIONS"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	config.Worker.PostActions = actions

	// Validate configuration
	if err := config.Validate(role); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func defaultPort(role Role) string {
	if role == RoleWorker {
		return "8081"
	}
	return "8080"
}

// Validate checks if the configuration is valid for role.
func (c *Config) Validate(role Role) error {
	switch role {
	case RoleWorker:
		// Without a tracking API the worker opens the store itself.
		if c.Tracking.URL == "" {
			if err := c.validateDatabase(); err != nil {
				return err
			}
		}
		if c.InstancesFile == "" {
			return fmt.Errorf("INSTANCES_CONFIG is required for the worker")
		}
		if c.Worker.Lanes < 1 {
			return fmt.Errorf("WORKER_LANES must be at least 1")
		}
		if c.Worker.HeartbeatInterval >= c.Worker.LeaseTTL {
			return fmt.Errorf("WORKER_HEARTBEAT_SECONDS must be shorter than WORKER_LEASE_TTL_SECONDS")
		}
		if _, err := parseAckMode(c.Queue.AckMode); err != nil {
			return err
		}
		return c.validateArchive()

	case RoleAPI:
		switch c.API.Mode {
		case ModeOrchestrator:
			return c.validateDatabase()
		case ModeInstance:
			if c.Galaxy.DatabaseURL == "" {
				return fmt.Errorf("GALAXY_DB_URL is required in instance mode")
			}
			if c.Galaxy.FileDir == "" {
				return fmt.Errorf("GALAXY_FILE_DIR is required in instance mode")
			}
			return nil
		default:
			return fmt.Errorf("unsupported MODE: %s", c.API.Mode)
		}

	case RoleCLI:
		return nil
	}
	return fmt.Errorf("unknown role: %s", role)
}

func (c *Config) validateDatabase() error {
	switch c.Database.Provider {
	case "spanner":
		if c.Database.ProjectID == "" {
			return fmt.Errorf("DB_PROJECT_ID is required for Spanner")
		}
		if c.Database.Instance == "" {
			return fmt.Errorf("DB_INSTANCE is required for Spanner")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("DB_DATABASE is required for Spanner")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DB_URL is required for PostgreSQL")
		}
	case "badger":
	default:
		return fmt.Errorf("unsupported database provider: %s", c.Database.Provider)
	}
	return nil
}

func (c *Config) validateArchive() error {
	switch c.Archive.Backend {
	case "scp":
		if c.Archive.StorageURL == "" {
			return fmt.Errorf("NELS_STORAGE_URL is required for the scp archive backend")
		}
		if c.Archive.KnownHostsFile == "" && !c.Archive.InsecureHostKey {
			return fmt.Errorf("SSH_KNOWN_HOSTS is required unless SSH_INSECURE_HOST_KEY is set")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("ARCHIVE_BUCKET is required for the gcs archive backend")
		}
	case "s3":
		if c.Archive.Bucket == "" || c.Archive.S3Endpoint == "" {
			return fmt.Errorf("ARCHIVE_BUCKET and S3_ENDPOINT are required for the s3 archive backend")
		}
	default:
		return fmt.Errorf("unsupported archive backend: %s", c.Archive.Backend)
	}
	return nil
}

func parseAckMode(s string) (string, error) {
	switch s {
	case "receipt", "processed":
		return s, nil
	}
	return "", fmt.Errorf("WORKER_ACK_MODE must be receipt or processed, got %q", s)
}

// ParsePostActions parses "outcome:action,outcome:action".
func ParsePostActions(s string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		outcome, action, ok := strings.Cut(part, ":")
		if !ok || action == "" {
			return nil, fmt.Errorf("malformed post action %q", part)
		}
		switch outcome {
		case "finished", "failed":
		default:
			return nil, fmt.Errorf("unknown post action outcome %q", outcome)
		}
		out[outcome] = append(out[outcome], action)
	}
	return out, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the environment variable as an integer or a default if not set.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
