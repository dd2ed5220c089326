package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"

	AuthModeSignature = "signature"
	AuthModeAllowAll  = "allow-all"

	envPrefix = "CRUDRECORDS_"
)

const (
	defaultBackend       = BackendSQLite
	defaultDBFile        = "records.db"
	defaultDynamoTable   = "crudrecords"
	defaultDynamoRegion  = "us-east-1"
	defaultAuthMode      = AuthModeSignature
	defaultMaxProofAge   = 5 * time.Minute
	defaultClockSkew     = 30 * time.Second
	defaultIdentityFile  = "id_ed25519"
	defaultLogLevel      = "info"
	defaultLogMaxSizeMB  = 10
	defaultLogMaxFiles   = 5
	maxAllowedProofAge   = 24 * time.Hour
	maxAllowedClockSkew  = 10 * time.Minute
	defaultAuditEnabled  = true
	defaultDynamoCreate  = false
	defaultDynamoAttempt = 5
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	DynamoDB DynamoDBConfig `toml:"dynamodb"`
	Auth     AuthConfig     `toml:"auth"`
	Audit    AuditConfig    `toml:"audit"`
	Logging  LoggingConfig  `toml:"logging"`
}

type StorageConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type DynamoDBConfig struct {
	Table       string `toml:"table"`
	Region      string `toml:"region"`
	Endpoint    string `toml:"endpoint"`
	CreateTable bool   `toml:"create_table"`
	MaxAttempts int    `toml:"max_attempts"`
	// Static credentials. Both empty means the default AWS provider chain.
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
}

type AuthConfig struct {
	Mode         string        `toml:"mode"`
	MaxProofAge  time.Duration `toml:"max_proof_age"`
	ClockSkew    time.Duration `toml:"clock_skew"`
	IdentityFile string        `toml:"identity_file"`
}

type AuditConfig struct {
	Enabled bool `toml:"enabled"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type LoadOptions struct {
	ConfigPath string
	// Env entries take precedence over the process environment.
	Env   map[string]string
	Flags FlagOverrides
}

type FlagOverrides struct {
	Backend      *string
	DBPath       *string
	AuthMode     *string
	IdentityFile *string
	LogLevel     *string
}

// DefaultConfig places data under the resolved data home.
func DefaultConfig(home string) Config {
	return Config{
		Storage: StorageConfig{
			Backend: defaultBackend,
			Path:    filepath.Join(home, defaultDBFile),
		},
		DynamoDB: DynamoDBConfig{
			Table:       defaultDynamoTable,
			Region:      defaultDynamoRegion,
			CreateTable: defaultDynamoCreate,
			MaxAttempts: defaultDynamoAttempt,
		},
		Auth: AuthConfig{
			Mode:         defaultAuthMode,
			MaxProofAge:  defaultMaxProofAge,
			ClockSkew:    defaultClockSkew,
			IdentityFile: filepath.Join(home, defaultIdentityFile),
		},
		Audit: AuditConfig{
			Enabled: defaultAuditEnabled,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

func Load(opts LoadOptions) (Config, error) {
	environ := mergedEnv(opts)

	home, err := Home(environ)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig(home)

	configPath, err := resolveConfigPath(opts, environ)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	if err := loadAndApplyFile(configPath, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg, environ); err != nil {
		return Config{}, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	userHome, _ := os.UserHomeDir()
	cfg.Storage.Path = expandHome(cfg.Storage.Path, userHome)
	cfg.Auth.IdentityFile = expandHome(cfg.Auth.IdentityFile, userHome)
	cfg.Logging.File = expandHome(cfg.Logging.File, userHome)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type rawConfig struct {
	Storage  *rawStorage  `toml:"storage"`
	DynamoDB *rawDynamoDB `toml:"dynamodb"`
	Auth     *rawAuth     `toml:"auth"`
	Audit    *rawAudit    `toml:"audit"`
	Logging  *rawLogging  `toml:"logging"`
}

type rawStorage struct {
	Backend *string `toml:"backend" env:"STORAGE_BACKEND"`
	Path    *string `toml:"path" env:"STORAGE_PATH"`
}

type rawDynamoDB struct {
	Table       *string `toml:"table" env:"DYNAMODB_TABLE"`
	Region      *string `toml:"region" env:"DYNAMODB_REGION"`
	Endpoint    *string `toml:"endpoint" env:"DYNAMODB_ENDPOINT"`
	CreateTable *bool   `toml:"create_table" env:"DYNAMODB_CREATE_TABLE"`
	MaxAttempts *int    `toml:"max_attempts" env:"DYNAMODB_MAX_ATTEMPTS"`

	AccessKeyID     *string `toml:"access_key_id" env:"DYNAMODB_ACCESS_KEY_ID"`
	SecretAccessKey *string `toml:"secret_access_key" env:"DYNAMODB_SECRET_ACCESS_KEY"`
}

type rawAuth struct {
	Mode         *string `toml:"mode" env:"AUTH_MODE"`
	MaxProofAge  *string `toml:"max_proof_age" env:"AUTH_MAX_PROOF_AGE"`
	ClockSkew    *string `toml:"clock_skew" env:"AUTH_CLOCK_SKEW"`
	IdentityFile *string `toml:"identity_file" env:"AUTH_IDENTITY_FILE"`
}

type rawAudit struct {
	Enabled *bool `toml:"enabled" env:"AUDIT_ENABLED"`
}

type rawLogging struct {
	Level     *string `toml:"level" env:"LOG_LEVEL"`
	File      *string `toml:"file" env:"LOG_FILE"`
	MaxSizeMB *int    `toml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxFiles  *int    `toml:"max_files" env:"LOG_MAX_FILES"`
}

// rawEnv mirrors rawConfig for the environment. Every field is optional.
type rawEnv struct {
	Storage  rawStorage
	DynamoDB rawDynamoDB
	Auth     rawAuth
	Audit    rawAudit
	Logging  rawLogging
}

func loadAndApplyFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}
	return applyRaw(cfg, raw)
}

func applyEnvOverrides(cfg *Config, environ map[string]string) error {
	var raw rawEnv
	if err := env.ParseWithOptions(&raw, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
	}); err != nil {
		return fmt.Errorf("%w: parse environment: %v", ErrInvalidConfig, err)
	}
	return applyRaw(cfg, rawConfig{
		Storage:  &raw.Storage,
		DynamoDB: &raw.DynamoDB,
		Auth:     &raw.Auth,
		Audit:    &raw.Audit,
		Logging:  &raw.Logging,
	})
}

func applyRaw(cfg *Config, raw rawConfig) error {
	if raw.Storage != nil {
		setValue(raw.Storage.Backend, &cfg.Storage.Backend)
		setValue(raw.Storage.Path, &cfg.Storage.Path)
	}

	if raw.DynamoDB != nil {
		setValue(raw.DynamoDB.Table, &cfg.DynamoDB.Table)
		setValue(raw.DynamoDB.Region, &cfg.DynamoDB.Region)
		setValue(raw.DynamoDB.Endpoint, &cfg.DynamoDB.Endpoint)
		setValue(raw.DynamoDB.CreateTable, &cfg.DynamoDB.CreateTable)
		setValue(raw.DynamoDB.MaxAttempts, &cfg.DynamoDB.MaxAttempts)
		setValue(raw.DynamoDB.AccessKeyID, &cfg.DynamoDB.AccessKeyID)
		setValue(raw.DynamoDB.SecretAccessKey, &cfg.DynamoDB.SecretAccessKey)
	}

	if raw.Auth != nil {
		setValue(raw.Auth.Mode, &cfg.Auth.Mode)
		if err := setDuration("auth.max_proof_age", raw.Auth.MaxProofAge, &cfg.Auth.MaxProofAge); err != nil {
			return err
		}
		if err := setDuration("auth.clock_skew", raw.Auth.ClockSkew, &cfg.Auth.ClockSkew); err != nil {
			return err
		}
		setValue(raw.Auth.IdentityFile, &cfg.Auth.IdentityFile)
	}

	if raw.Audit != nil {
		setValue(raw.Audit.Enabled, &cfg.Audit.Enabled)
	}

	if raw.Logging != nil {
		setValue(raw.Logging.Level, &cfg.Logging.Level)
		setValue(raw.Logging.File, &cfg.Logging.File)
		setValue(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setValue(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
	}
	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	setValue(flags.Backend, &cfg.Storage.Backend)
	setValue(flags.DBPath, &cfg.Storage.Path)
	setValue(flags.AuthMode, &cfg.Auth.Mode)
	setValue(flags.IdentityFile, &cfg.Auth.IdentityFile)
	setValue(flags.LogLevel, &cfg.Logging.Level)
}

func validate(cfg Config) error {
	switch cfg.Storage.Backend {
	case BackendSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("%w: storage.path is required for the sqlite backend", ErrInvalidConfig)
		}
	case BackendMemory:
	case BackendDynamoDB:
		if strings.TrimSpace(cfg.DynamoDB.Table) == "" {
			return fmt.Errorf("%w: dynamodb.table is required for the dynamodb backend", ErrInvalidConfig)
		}
		if cfg.DynamoDB.MaxAttempts <= 0 {
			return fmt.Errorf("%w: dynamodb.max_attempts must be > 0", ErrInvalidConfig)
		}
		if (cfg.DynamoDB.AccessKeyID == "") != (cfg.DynamoDB.SecretAccessKey == "") {
			return fmt.Errorf("%w: dynamodb.access_key_id and dynamodb.secret_access_key must be set together", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: storage.backend must be one of sqlite, memory, dynamodb (got %q)", ErrInvalidConfig, cfg.Storage.Backend)
	}

	switch cfg.Auth.Mode {
	case AuthModeSignature, AuthModeAllowAll:
	default:
		return fmt.Errorf("%w: auth.mode must be signature or allow-all (got %q)", ErrInvalidConfig, cfg.Auth.Mode)
	}
	if cfg.Auth.MaxProofAge <= 0 || cfg.Auth.MaxProofAge > maxAllowedProofAge {
		return fmt.Errorf("%w: auth.max_proof_age must be > 0 and <= 24h", ErrInvalidConfig)
	}
	if cfg.Auth.ClockSkew < 0 || cfg.Auth.ClockSkew > maxAllowedClockSkew {
		return fmt.Errorf("%w: auth.clock_skew must be >= 0 and <= 10m", ErrInvalidConfig)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level must be debug, info, warn or error (got %q)", ErrInvalidConfig, cfg.Logging.Level)
	}
	if cfg.Logging.MaxSizeMB <= 0 || cfg.Logging.MaxFiles <= 0 {
		return fmt.Errorf("%w: logging.max_size_mb and logging.max_files must be > 0", ErrInvalidConfig)
	}
	return nil
}

func setDuration(field string, raw *string, target *time.Duration) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	*target = d
	return nil
}

func setValue[T any](raw *T, target *T) {
	if raw != nil {
		*target = *raw
	}
}

func resolveConfigPath(opts LoadOptions, environ map[string]string) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := environ[envPrefix+"CONFIG_PATH"]; ok && value != "" {
		return value, nil
	}
	return defaultConfigPath(environ)
}

func mergedEnv(opts LoadOptions) map[string]string {
	environ := env.ToMap(os.Environ())
	for key, value := range opts.Env {
		environ[key] = value
	}
	return environ
}

// Home is the directory holding the database and identity key. It honors
// CRUDRECORDS_HOME and XDG_DATA_HOME.
func Home(environ map[string]string) (string, error) {
	if value, ok := environ[envPrefix+"HOME"]; ok && value != "" {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "crudrecords"), nil
	}

	dataHome := filepath.Join(home, ".local", "share")
	if xdgDataHome, ok := environ["XDG_DATA_HOME"]; ok && xdgDataHome != "" {
		dataHome = xdgDataHome
	}
	return filepath.Join(dataHome, "crudrecords"), nil
}

func defaultConfigPath(environ map[string]string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "crudrecords", "config.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdgConfigHome, ok := environ["XDG_CONFIG_HOME"]; ok && xdgConfigHome != "" {
		configHome = xdgConfigHome
	}
	return filepath.Join(configHome, "crudrecords", "config.toml"), nil
}

func expandHome(path, userHome string) string {
	if userHome == "" || path == "" {
		return path
	}
	if path == "~" {
		return userHome
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(userHome, path[2:])
	}
	return path
}
