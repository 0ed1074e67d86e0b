package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "opline.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "OPLINE_PORT")
	setString(&cfg.Server.CORSOrigin, "OPLINE_CORS_ORIGIN")

	setString(&cfg.Token.Secret, "OPLINE_TOKEN_SECRET")
	setDuration(&cfg.Token.TTL, "OPLINE_TOKEN_TTL")
	setInt(&cfg.Token.MaxEncodedBytes, "OPLINE_TOKEN_MAX_BYTES")

	setString(&cfg.Store.Backend, "OPLINE_STORE_BACKEND")
	setString(&cfg.Store.FS.Dir, "OPLINE_STORE_DIR")
	setString(&cfg.Store.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Store.Postgres.MaxConns, "OPLINE_PG_MAX_CONNS")
	setInt32(&cfg.Store.Postgres.MinConns, "OPLINE_PG_MIN_CONNS")
	setDuration(&cfg.Store.Postgres.MaxConnLifetime, "OPLINE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Store.Postgres.MaxConnIdleTime, "OPLINE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Store.Postgres.HealthCheck, "OPLINE_PG_HEALTH_CHECK")
	setString(&cfg.Store.NATS.URL, "NATS_URL")
	setString(&cfg.Store.NATS.Bucket, "OPLINE_NATS_BUCKET")

	setDuration(&cfg.Workflow.Retention, "OPLINE_WORKFLOW_RETENTION")
	setInt(&cfg.Workflow.MaxRetries, "OPLINE_WORKFLOW_MAX_RETRIES")
	setInt(&cfg.Workflow.LoopParallelism, "OPLINE_WORKFLOW_LOOP_PARALLELISM")

	setString(&cfg.Logging.Level, "OPLINE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "OPLINE_LOG_SERVICE")

	setBool(&cfg.Telemetry.Enabled, "OPLINE_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "OPLINE_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Token.TTL <= 0 {
		return errors.New("token.ttl must be positive")
	}
	if cfg.Token.MaxEncodedBytes < 512 {
		return errors.New("token.max_encoded_bytes must be >= 512")
	}
	switch cfg.Store.Backend {
	case "fs":
		if cfg.Store.FS.Dir == "" {
			return errors.New("store.fs.dir is required for the fs backend")
		}
	case "postgres":
		if cfg.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required for the postgres backend")
		}
		if cfg.Store.Postgres.MaxConns < 1 {
			return errors.New("store.postgres.max_conns must be >= 1")
		}
	case "nats":
		if cfg.Store.NATS.URL == "" {
			return errors.New("store.nats.url is required for the nats backend")
		}
		if cfg.Store.NATS.Bucket == "" {
			return errors.New("store.nats.bucket is required for the nats backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of fs, postgres, nats (got %q)", cfg.Store.Backend)
	}
	if cfg.Workflow.Retention <= 0 {
		return errors.New("workflow.retention must be positive")
	}
	if cfg.Workflow.MaxRetries < 0 {
		return errors.New("workflow.max_retries must be >= 0")
	}
	if cfg.Workflow.LoopParallelism < 1 {
		return errors.New("workflow.loop_parallelism must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
