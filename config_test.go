package patroni

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
loop_wait: 5
tags:
  nofailover: "false"
  replicatefrom: postgresql1
restapi:
  listen: 127.0.0.1:8008
  connect_address: 127.0.0.1:8008
etcd:
  host: 127.0.0.1
  port: 2379
  ttl: 30
  scope: batman
postgresql:
  name: postgresql0
  data_dir: /var/lib/postgresql/data
  listen: 127.0.0.1:5432
  connect_address: 127.0.0.1:5432
  maximum_lag_on_failover: 1048576
  superuser:
    username: postgres
    password: zalando
  replication:
    username: replicator
    password: rep-pass
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patroni.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	config, err := LoadConfig(writeConfigFile(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 5, config.LoopWait)
	assert.Equal(t, "batman", config.Scope())
	assert.Equal(t, 30, config.TTL())
	assert.Equal(t, "postgresql0", config.PostgreSQL.Name)
	assert.Equal(t, uint64(1048576), config.PostgreSQL.MaximumLagOnFailover)
	assert.Equal(t, "replicator", config.PostgreSQL.Replication.Username)
	assert.False(t, config.NoFailover())
	assert.Equal(t, "postgresql1", config.ReplicateFrom())
	assert.False(t, config.CloneFrom())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv(ConfigEnvVar, sampleConfig)
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "batman", config.Scope())
}

func TestLoadConfigMissing(t *testing.T) {
	t.Setenv(ConfigEnvVar, "")
	_, err := LoadConfig("")
	assert.Error(t, err)

	_, err = LoadConfig("/nonexistent/patroni.yml")
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	_, err := LoadConfig(writeConfigFile(t, "loop_wait: [not an int"))
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	config, err := LoadConfig(writeConfigFile(t, `
etcd:
  host: 127.0.0.1
  scope: batman
postgresql:
  data_dir: /var/lib/postgresql/data
`))
	require.NoError(t, err)

	assert.Equal(t, 10, config.LoopWait)
	assert.Equal(t, 2379, config.Etcd.Port)
	assert.Equal(t, 20, config.TTL())
	assert.NotEmpty(t, config.PostgreSQL.Name)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "no store configured",
			mutate: func(c *Config) { c.Etcd = nil },
		},
		{
			name: "two stores configured",
			mutate: func(c *Config) {
				c.Postgres = &PostgresConfig{Host: "x", Scope: "batman", TTL: 30}
			},
		},
		{
			name:   "ttl below twice the loop wait",
			mutate: func(c *Config) { c.Etcd.TTL = 9 },
		},
		{
			name:   "empty scope",
			mutate: func(c *Config) { c.Etcd.Scope = "" },
		},
		{
			name:   "empty data dir",
			mutate: func(c *Config) { c.PostgreSQL.DataDir = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := LoadConfig(writeConfigFile(t, sampleConfig))
			require.NoError(t, err)
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestConfigTagAccessors(t *testing.T) {
	config := &Config{Tags: map[string]string{
		"nofailover": "True",
		"clonefrom":  "true",
	}}
	assert.True(t, config.NoFailover())
	assert.True(t, config.CloneFrom())
	assert.Equal(t, "", config.ReplicateFrom())
}
