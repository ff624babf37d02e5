package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "agentmarket/internal/errors"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "market.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"payment": {"pricing_file": "pricing.yaml"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Address)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, 30, cfg.Tasks.ClaimWindowSeconds)
	require.Equal(t, map[string]int{"short": 60, "standard": 300, "complex": 1800}, cfg.Tasks.DeadlineBuckets)
	require.Equal(t, 5, cfg.Webhook.MaxAttempts)
	require.Equal(t, filepath.Join(dir, "pricing.yaml"), cfg.Payment.PricingFile)
	require.Equal(t, PolicyConfig{Limit: 30, WindowSeconds: 60}, cfg.RateLimit.Policies["poll"])
	require.Equal(t, PolicyConfig{Limit: 10, WindowSeconds: 60}, cfg.RateLimit.Policies["register"])
}

func TestLoadKeepsExplicitPolicies(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"rate_limit": {"policies": {"poll": {"limit": 5, "window_seconds": 10}}}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.RateLimit.Policies["poll"].Limit)
	require.Equal(t, 100, cfg.RateLimit.Policies["execute"].Limit)
}

func TestEnvOverridesAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"storage": {"driver": "mysql"}}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MARKET_MYSQL_DSN=user:pw@tcp(db:3306)/market\n"), 0o644))
	t.Setenv(EnvAddress, ":9999")
	t.Cleanup(func() { os.Unsetenv(EnvMySQLDSN) })

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Server.Address)
	require.Equal(t, "user:pw@tcp(db:3306)/market", cfg.Storage.MySQL.DSN)
}

func TestValidateCrossFieldRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "mysql without dsn", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, field: "storage.mysql.dsn"},
		{name: "redis ledger without address", mutate: func(c *Config) { c.Payment.Ledger = "redis" }, field: "redis.address"},
		{name: "rabbit queue without url", mutate: func(c *Config) { c.Webhook.Queue = "rabbitmq" }, field: "rabbitmq.url"},
		{name: "facilitator without url", mutate: func(c *Config) { c.Payment.Verifier = "facilitator" }, field: "payment.facilitator_url"},
		{name: "unknown default complexity", mutate: func(c *Config) { c.Tasks.DefaultComplexity = "huge" }, field: "tasks.default_complexity"},
		{name: "mysql ledger on memory storage", mutate: func(c *Config) { c.Payment.Ledger = "mysql" }, field: "payment.ledger"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Equal(t, tc.field, xerrors.MetadataOf(err, "field"))
		})
	}
}

func TestValidateRejectsBadEnum(t *testing.T) {
	cfg := Default()
	cfg.Execution.Queue = "kafka"
	err := cfg.Validate()
	require.Error(t, err)
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestResolveAPIKeyPrefersExplicit(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "from-env")
	require.Equal(t, "explicit", OpenAIConfig{APIKey: "explicit", APIKeyEnv: "TEST_OPENAI_KEY"}.ResolveAPIKey())
	require.Equal(t, "from-env", OpenAIConfig{APIKeyEnv: "TEST_OPENAI_KEY"}.ResolveAPIKey())
}
