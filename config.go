package patroni

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ConfigEnvVar carries the YAML configuration document when no file is
// given on the command line.
const ConfigEnvVar = "PATRONI_CONFIGURATION"

// Config is the full supervisor configuration.
type Config struct {
	LoopWait   int               `yaml:"loop_wait"`
	Tags       map[string]string `yaml:"tags,omitempty"`
	RestAPI    RestAPIConfig     `yaml:"restapi"`
	Etcd       *EtcdConfig       `yaml:"etcd,omitempty"`
	Postgres   *PostgresConfig   `yaml:"postgres,omitempty"`
	PostgreSQL PostgresqlConfig  `yaml:"postgresql"`
}

// EtcdConfig selects the etcd store driver.
type EtcdConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	TTL   int    `yaml:"ttl"`
	Scope string `yaml:"scope"`
}

// PostgresConfig selects the PostgreSQL store driver. The coordination
// database must be a cluster-external instance shared by all supervisors.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TTL      int    `yaml:"ttl"`
	Scope    string `yaml:"scope"`
}

// RestAPIConfig configures the administration API.
type RestAPIConfig struct {
	Listen         string `yaml:"listen"`
	ConnectAddress string `yaml:"connect_address"`
}

// Credentials holds a database role's login.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DockerConfig makes the adapter supervise PostgreSQL inside a container
// instead of a locally managed process.
type DockerConfig struct {
	Image         string `yaml:"image"`
	ContainerName string `yaml:"container_name"`
	Network       string `yaml:"network,omitempty"`
}

// PostgresqlConfig is the database adapter configuration.
type PostgresqlConfig struct {
	Name                 string        `yaml:"name"`
	DataDir              string        `yaml:"data_dir"`
	BinDir               string        `yaml:"bin_dir,omitempty"`
	Listen               string        `yaml:"listen"`
	ConnectAddress       string        `yaml:"connect_address"`
	MaximumLagOnFailover uint64        `yaml:"maximum_lag_on_failover"`
	Superuser            Credentials   `yaml:"superuser"`
	Replication          Credentials   `yaml:"replication"`
	Docker               *DockerConfig `yaml:"docker,omitempty"`
}

// LoadConfig reads the configuration from path, or from the
// PATRONI_CONFIGURATION environment variable when path is empty.
func LoadConfig(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		data = b
	} else {
		env := os.Getenv(ConfigEnvVar)
		if env == "" {
			return nil, fmt.Errorf("no config file given and %s is not set", ConfigEnvVar)
		}
		data = []byte(env)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyDefaults fills omitted values.
func (c *Config) applyDefaults() {
	if c.LoopWait == 0 {
		c.LoopWait = 10
	}
	if c.PostgreSQL.Name == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.PostgreSQL.Name = host
		} else {
			c.PostgreSQL.Name = uuid.New().String()
		}
	}
	if c.Etcd != nil {
		if c.Etcd.Port == 0 {
			c.Etcd.Port = 2379
		}
		if c.Etcd.TTL == 0 {
			c.Etcd.TTL = 2 * c.LoopWait
		}
	}
	if c.Postgres != nil {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.TTL == 0 {
			c.Postgres.TTL = 2 * c.LoopWait
		}
	}
}

// Validate checks invariants the supervisor depends on.
func (c *Config) Validate() error {
	if c.LoopWait < 1 {
		return errors.New("loop_wait must be >= 1")
	}
	if c.Etcd == nil && c.Postgres == nil {
		return errors.New("one of etcd or postgres must be configured")
	}
	if c.Etcd != nil && c.Postgres != nil {
		return errors.New("etcd and postgres are mutually exclusive")
	}
	ttl := c.TTL()
	if ttl < 2*c.LoopWait {
		return fmt.Errorf("ttl (%d) must be >= 2 * loop_wait (%d)", ttl, c.LoopWait)
	}
	if c.Etcd != nil && c.Etcd.Scope == "" {
		return errors.New("etcd.scope must not be empty")
	}
	if c.Postgres != nil && c.Postgres.Scope == "" {
		return errors.New("postgres.scope must not be empty")
	}
	if c.PostgreSQL.DataDir == "" {
		return errors.New("postgresql.data_dir must not be empty")
	}
	return nil
}

// TTL returns the configured leader-lease TTL in seconds.
func (c *Config) TTL() int {
	if c.Etcd != nil {
		return c.Etcd.TTL
	}
	if c.Postgres != nil {
		return c.Postgres.TTL
	}
	return 0
}

// Scope returns the configured DCS key namespace.
func (c *Config) Scope() string {
	if c.Etcd != nil {
		return c.Etcd.Scope
	}
	if c.Postgres != nil {
		return c.Postgres.Scope
	}
	return ""
}

// NoFailover reports whether this node must never promote.
func (c *Config) NoFailover() bool {
	v := c.Tags["nofailover"]
	return v == "true" || v == "True"
}

// ReplicateFrom returns the cascading replication preference, or "".
func (c *Config) ReplicateFrom() string {
	return c.Tags["replicatefrom"]
}

// CloneFrom reports whether this node is an eligible base-backup source.
func (c *Config) CloneFrom() bool {
	v := c.Tags["clonefrom"]
	return v == "true" || v == "True"
}
