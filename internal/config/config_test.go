package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigPrecedenceFlagOverEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[storage]
backend = "sqlite"
`)

	flagBackend := BackendMemory
	cfg, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env:        isolatedEnv(t, map[string]string{"CRUDRECORDS_STORAGE_BACKEND": "dynamodb"}),
		Flags:      FlagOverrides{Backend: &flagBackend},
	})
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestLoadConfigPrecedenceEnvOverFile(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[auth]
max_proof_age = "10m"
`)

	cfg, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env:        isolatedEnv(t, map[string]string{"CRUDRECORDS_AUTH_MAX_PROOF_AGE": "20m"}),
	})
	require.NoError(t, err)
	require.Equal(t, 20*time.Minute, cfg.Auth.MaxProofAge)
}

func TestLoadConfigPrecedenceFileOverDefault(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[auth]
max_proof_age = "10m"
`)

	cfg, err := Load(LoadOptions{ConfigPath: cfgPath, Env: isolatedEnv(t, nil)})
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, cfg.Auth.MaxProofAge)
	require.Equal(t, defaultClockSkew, cfg.Auth.ClockSkew)
}

func TestLoadConfigDefaultsUseHome(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t, nil)
	cfg, err := Load(LoadOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.toml"), Env: env})
	require.NoError(t, err)

	home := env["CRUDRECORDS_HOME"]
	require.Equal(t, BackendSQLite, cfg.Storage.Backend)
	require.Equal(t, filepath.Join(home, "records.db"), cfg.Storage.Path)
	require.Equal(t, filepath.Join(home, "id_ed25519"), cfg.Auth.IdentityFile)
	require.Equal(t, AuthModeSignature, cfg.Auth.Mode)
	require.True(t, cfg.Audit.Enabled)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromTOMLParsesAllSupportedFields(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[storage]
backend = "dynamodb"
path = "/tmp/records.db"

[dynamodb]
table = "records-test"
region = "eu-west-1"
endpoint = "http://localhost:8000"
create_table = true
max_attempts = 3
access_key_id = "AKIDTEST"
secret_access_key = "file-secret"

[auth]
mode = "allow-all"
max_proof_age = "2m"
clock_skew = "5s"
identity_file = "/tmp/id_test"

[audit]
enabled = false

[logging]
level = "debug"
file = "/tmp/crudrecords.log"
max_size_mb = 42
max_files = 9
`)

	cfg, err := Load(LoadOptions{ConfigPath: cfgPath, Env: isolatedEnv(t, nil)})
	require.NoError(t, err)
	require.Equal(t, BackendDynamoDB, cfg.Storage.Backend)
	require.Equal(t, "/tmp/records.db", cfg.Storage.Path)
	require.Equal(t, "records-test", cfg.DynamoDB.Table)
	require.Equal(t, "eu-west-1", cfg.DynamoDB.Region)
	require.Equal(t, "http://localhost:8000", cfg.DynamoDB.Endpoint)
	require.True(t, cfg.DynamoDB.CreateTable)
	require.Equal(t, 3, cfg.DynamoDB.MaxAttempts)
	require.Equal(t, "AKIDTEST", cfg.DynamoDB.AccessKeyID)
	require.Equal(t, "file-secret", cfg.DynamoDB.SecretAccessKey)
	require.Equal(t, AuthModeAllowAll, cfg.Auth.Mode)
	require.Equal(t, 2*time.Minute, cfg.Auth.MaxProofAge)
	require.Equal(t, 5*time.Second, cfg.Auth.ClockSkew)
	require.Equal(t, "/tmp/id_test", cfg.Auth.IdentityFile)
	require.False(t, cfg.Audit.Enabled)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "/tmp/crudrecords.log", cfg.Logging.File)
	require.Equal(t, 42, cfg.Logging.MaxSizeMB)
	require.Equal(t, 9, cfg.Logging.MaxFiles)
}

func TestLoadConfigFromEnvParsesTypedFields(t *testing.T) {
	t.Parallel()

	cfg, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		Env: isolatedEnv(t, map[string]string{
			"CRUDRECORDS_AUDIT_ENABLED":         "false",
			"CRUDRECORDS_LOG_MAX_FILES":         "2",
			"CRUDRECORDS_DYNAMODB_CREATE_TABLE": "true",
			"CRUDRECORDS_AUTH_CLOCK_SKEW":       "1s",

			"CRUDRECORDS_DYNAMODB_ACCESS_KEY_ID":     "AKIDENV",
			"CRUDRECORDS_DYNAMODB_SECRET_ACCESS_KEY": "env-secret",
		}),
	})
	require.NoError(t, err)
	require.Equal(t, "AKIDENV", cfg.DynamoDB.AccessKeyID)
	require.Equal(t, "env-secret", cfg.DynamoDB.SecretAccessKey)
	require.False(t, cfg.Audit.Enabled)
	require.Equal(t, 2, cfg.Logging.MaxFiles)
	require.True(t, cfg.DynamoDB.CreateTable)
	require.Equal(t, time.Second, cfg.Auth.ClockSkew)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[logging]
level = "warn"
`)
	cfg, err := Load(LoadOptions{Env: isolatedEnv(t, map[string]string{"CRUDRECORDS_CONFIG_PATH": cfgPath})})
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		contents string
		env      map[string]string
	}{
		{name: "unknown-backend", contents: "[storage]\nbackend = \"postgres\"\n"},
		{name: "unknown-auth-mode", contents: "[auth]\nmode = \"none\"\n"},
		{name: "negative-proof-age", contents: "[auth]\nmax_proof_age = \"-1m\"\n"},
		{name: "proof-age-over-24h", contents: "[auth]\nmax_proof_age = \"25h\"\n"},
		{name: "negative-skew", contents: "[auth]\nclock_skew = \"-1s\"\n"},
		{name: "bad-duration", contents: "[auth]\nclock_skew = \"soon\"\n"},
		{name: "bad-level", contents: "[logging]\nlevel = \"loud\"\n"},
		{name: "zero-log-files", contents: "[logging]\nmax_files = 0\n"},
		{name: "empty-table", contents: "[storage]\nbackend = \"dynamodb\"\n[dynamodb]\ntable = \"\"\n"},
		{name: "access-key-without-secret", contents: "[storage]\nbackend = \"dynamodb\"\n[dynamodb]\naccess_key_id = \"AKID\"\n"},
		{name: "secret-without-access-key", contents: "[storage]\nbackend = \"dynamodb\"\n", env: map[string]string{"CRUDRECORDS_DYNAMODB_SECRET_ACCESS_KEY": "s"}},
		{name: "bad-toml", contents: "[storage\n"},
		{name: "bad-env-bool", contents: "", env: map[string]string{"CRUDRECORDS_AUDIT_ENABLED": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfgPath := writeConfigFile(t, tt.contents)
			_, err := Load(LoadOptions{ConfigPath: cfgPath, Env: isolatedEnv(t, tt.env)})
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestExpandHome(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/home/u", expandHome("~", "/home/u"))
	require.Equal(t, filepath.Join("/home/u", "data", "r.db"), expandHome("~/data/r.db", "/home/u"))
	require.Equal(t, "/abs/r.db", expandHome("/abs/r.db", "/home/u"))
	require.Equal(t, "~/x", expandHome("~/x", ""))
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}

// isolatedEnv pins the data home to a temp dir and blanks variables a
// developer shell might carry.
func isolatedEnv(t *testing.T, extra map[string]string) map[string]string {
	t.Helper()

	env := map[string]string{
		"CRUDRECORDS_HOME":            t.TempDir(),
		"CRUDRECORDS_CONFIG_PATH":     "",
		"CRUDRECORDS_STORAGE_BACKEND": "",
		"CRUDRECORDS_STORAGE_PATH":    "",
		"CRUDRECORDS_AUTH_MODE":       "",
		"CRUDRECORDS_LOG_LEVEL":       "",
	}
	for key, value := range extra {
		env[key] = value
	}
	return env
}
