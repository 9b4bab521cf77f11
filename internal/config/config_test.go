package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	require.NoError(t, err)
	require.Equal(t, defaultHTTPAddress, cfg.HTTPAddress)
	require.Equal(t, DatabaseConfig{Driver: DriverSQLite, DSN: defaultDatabaseDSN}, cfg.Database)
	require.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	require.Equal(t, defaultCookieName, cfg.Auth.CookieName)
	require.Equal(t, defaultIssuer, cfg.Auth.Issuer)
	require.Equal(t, defaultRetryDelay, cfg.Pipeline.RetryDelay)
	require.Equal(t, defaultSnapshotInterval, cfg.Versioning.SnapshotInterval)
	require.Equal(t, "master", cfg.Versioning.DefaultBranch)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("NEXUS_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("NEXUS_DATABASE_DRIVER", "Postgres")
	t.Setenv("NEXUS_DATABASE_DSN", "postgres://nexus@localhost/nexus?sslmode=disable")
	t.Setenv("NEXUS_PIPELINE_RETRY_DELAY", "1s")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.SigningSecret)
	require.Equal(t, DriverPostgres, cfg.Database.Driver)
	require.Equal(t, time.Second, cfg.Pipeline.RetryDelay)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	configViper := NewViper()
	_, err := Load(configViper)
	require.ErrorContains(t, err, "auth.signing_secret")

	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("auth.issuer", " ")
	_, err = Load(configViper)
	require.ErrorContains(t, err, "auth.issuer")

	configViper.Set("auth.issuer", defaultIssuer)
	configViper.Set("database.driver", "mysql")
	_, err = Load(configViper)
	require.ErrorContains(t, err, "database.driver")

	_, err = LoadDatabase(configViper)
	require.Error(t, err)

	configViper.Set("database.driver", DriverSQLite)
	database, err := LoadDatabase(configViper)
	require.NoError(t, err)
	require.Equal(t, defaultDatabaseDSN, database.DSN)
}
