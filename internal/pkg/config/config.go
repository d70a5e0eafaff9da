package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration, populated from the environment.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  DatabaseConfig
	NATS      NATSConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Clients   ClientsConfig
	Workflow  WorkflowConfig
	Tracing   TracingConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver      string
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

type NATSConfig struct {
	URL              string
	Stream           string
	InboundSubject   string
	StatusSubject    string
	NotifyPrefix     string
	ConsumerDurable  string
	ConsumerMaxRetry int
}

type RedisConfig struct {
	// Addr empty disables the distributed sweep lease.
	Addr     string
	Password string
	DB       int
	LockKey  string
}

type SchedulerConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	LeaseTTL    time.Duration
}

type ClientsConfig struct {
	DirectoryAddr     string
	PolicyAddr        string
	TravelRequestAddr string
	CallTimeout       time.Duration
	BreakerTimeout    time.Duration
	BreakerFailures   uint32
}

type WorkflowConfig struct {
	// Source is "file" or "postgres".
	Source      string
	StepsFile   string
	ManagerRole string
}

type TracingConfig struct {
	Enabled bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-travel-approvals"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("HTTP_PORT", 8086),
			GRPCPort:        getEnvInt("GRPC_PORT", 9086),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 20*time.Second),
			RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:      getEnv("STORAGE_DRIVER", "postgres"),
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "travel_approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 20)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK", time.Minute),
		},
		NATS: NATSConfig{
			URL:              getEnv("NATS_URL", ""),
			Stream:           getEnv("NATS_STREAM", "TRAVEL"),
			InboundSubject:   getEnv("NATS_REQUEST_CREATED_SUBJECT", "travel.request.created"),
			StatusSubject:    getEnv("NATS_STATUS_SUBJECT", "travel.workflow.status_changed"),
			NotifyPrefix:     getEnv("NATS_NOTIFY_PREFIX", "notifications.travel"),
			ConsumerDurable:  getEnv("NATS_CONSUMER_DURABLE", "travel-approvals-initiator"),
			ConsumerMaxRetry: getEnvInt("NATS_CONSUMER_MAX_DELIVER", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LockKey:  getEnv("ESCALATION_LOCK_KEY", "travel-approvals:escalation-sweep"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getEnvBool("ESCALATION_ENABLED", true),
			Interval:    getEnvDuration("ESCALATION_SWEEP_INTERVAL", 5*time.Minute),
			BatchSize:   getEnvInt("ESCALATION_BATCH_SIZE", 200),
			Concurrency: getEnvInt("ESCALATION_CONCURRENCY", 4),
			LeaseTTL:    getEnvDuration("ESCALATION_LEASE_TTL", 4*time.Minute),
		},
		Clients: ClientsConfig{
			DirectoryAddr:     getEnv("DIRECTORY_GRPC_URL", "localhost:9090"),
			PolicyAddr:        getEnv("POLICY_GRPC_URL", "localhost:9091"),
			TravelRequestAddr: getEnv("TRAVEL_REQUESTS_GRPC_URL", "localhost:9092"),
			CallTimeout:       getEnvDuration("CLIENT_CALL_TIMEOUT", 3*time.Second),
			BreakerTimeout:    getEnvDuration("CLIENT_BREAKER_OPEN_TIMEOUT", 30*time.Second),
			BreakerFailures:   uint32(getEnvInt("CLIENT_BREAKER_FAILURES", 5)),
		},
		Workflow: WorkflowConfig{
			Source:      getEnv("WORKFLOW_CONFIG_SOURCE", "file"),
			StepsFile:   getEnv("WORKFLOW_STEPS_FILE", "config/workflow_steps.yaml"),
			ManagerRole: getEnv("WORKFLOW_MANAGER_ROLE", "MANAGER"),
		},
		Tracing: TracingConfig{
			Enabled: getEnvBool("TRACING_ENABLED", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}
	switch c.Workflow.Source {
	case "file", "postgres":
	default:
		return fmt.Errorf("WORKFLOW_CONFIG_SOURCE must be file or postgres, got %q", c.Workflow.Source)
	}
	if c.Workflow.Source == "postgres" && c.Database.Driver != "postgres" {
		return fmt.Errorf("WORKFLOW_CONFIG_SOURCE=postgres requires STORAGE_DRIVER=postgres")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("ESCALATION_SWEEP_INTERVAL must be positive")
	}
	if c.Scheduler.Concurrency < 1 {
		c.Scheduler.Concurrency = 1
	}
	return nil
}

// DSN returns the pgx connection string for the database section.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
