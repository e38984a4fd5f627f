// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/logutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// StoreBackendEtcd keeps cluster metadata in an etcd cluster.
	StoreBackendEtcd = "etcd"
	// StoreBackendMemory keeps cluster metadata inside the process, for a
	// standalone instance.
	StoreBackendMemory = "memory"

	// CheckpointStorageMetadata persists checkpoints in the coordination store.
	CheckpointStorageMetadata = "metadata"
	// CheckpointStorageMySQL persists checkpoints in a MySQL table.
	CheckpointStorageMySQL = "mysql"
	// CheckpointStorageSQLite persists checkpoints in a SQLite database.
	CheckpointStorageSQLite = "sqlite"

	// DefaultClusterID is the default cluster id.
	DefaultClusterID = "default"
	// DefaultStrategy is the assignment strategy of connectors that do not name one.
	DefaultStrategy = "load-balancing"
)

var clusterIDRe = regexp.MustCompile(`^[a-zA-Z0-9]+(-[a-zA-Z0-9]+)*$`)

var defaultServerConfig = &ServerConfig{
	Addr:          "127.0.0.1:8400",
	AdvertiseAddr: "",
	ClusterID:     DefaultClusterID,
	Log: &logutil.Config{
		Level:       "info",
		FileMaxSize: 300,
		FileMaxDays: 0,
	},
	Store: &StoreConfig{
		Backend:     StoreBackendEtcd,
		Endpoints:   []string{"http://127.0.0.1:2379"},
		SessionTTL:  10,
		DialTimeout: TomlDuration(5 * time.Second),
	},
	Coordinator: &CoordinatorConfig{
		RebalanceDebounce: TomlDuration(100 * time.Millisecond),
		ResyncInterval:    TomlDuration(30 * time.Second),
		Election:          true,
	},
	Executor: &ExecutorConfig{
		MaxStartRetries:           5,
		StartRetryInitialInterval: TomlDuration(200 * time.Millisecond),
		StartRetryMaxInterval:     TomlDuration(10 * time.Second),
	},
	Producer: &ProducerConfig{
		FlushInterval:      TomlDuration(time.Second),
		DrainTimeout:       TomlDuration(10 * time.Second),
		SendMaxRetries:     5,
		SendRetryBaseDelay: TomlDuration(50 * time.Millisecond),
		SendRetryMaxDelay:  TomlDuration(2 * time.Second),
	},
	Checkpoint: &CheckpointConfig{
		Storage: CheckpointStorageMetadata,
	},
	Transport: &TransportConfig{
		Kafka: &KafkaConfig{
			ClientID:        "datastream",
			Version:         "2.4.0",
			RequiredAcks:    -1,
			Compression:     "none",
			MaxMessageBytes: 1024 * 1024,
			DialTimeout:     TomlDuration(10 * time.Second),
		},
	},
	SchemaRegistry: &SchemaRegistryConfig{
		Timeout:    TomlDuration(10 * time.Second),
		MaxRetries: 3,
	},
	Connectors: map[string]*ConnectorConfig{
		"file":  {Strategy: "load-balancing"},
		"dummy": {Strategy: "broadcast"},
	},
}

// ServerConfig represents a config for a datastream server instance.
type ServerConfig struct {
	Addr          string `toml:"addr" json:"addr"`
	AdvertiseAddr string `toml:"advertise-addr" json:"advertise-addr"`
	ClusterID     string `toml:"cluster-id" json:"cluster-id"`
	// InstanceHost is the host part of the instance name, <host>-<seq>.
	// It defaults to the host of AdvertiseAddr.
	InstanceHost string `toml:"instance-host" json:"instance-host"`

	Log            *logutil.Config             `toml:"log" json:"log"`
	Store          *StoreConfig                `toml:"store" json:"store"`
	Coordinator    *CoordinatorConfig          `toml:"coordinator" json:"coordinator"`
	Executor       *ExecutorConfig             `toml:"executor" json:"executor"`
	Producer       *ProducerConfig             `toml:"producer" json:"producer"`
	Checkpoint     *CheckpointConfig           `toml:"checkpoint" json:"checkpoint"`
	Transport      *TransportConfig            `toml:"transport" json:"transport"`
	SchemaRegistry *SchemaRegistryConfig       `toml:"schema-registry" json:"schema-registry"`
	Connectors     map[string]*ConnectorConfig `toml:"connectors" json:"connectors"`
}

// StoreConfig is the coordination store config.
type StoreConfig struct {
	Backend   string   `toml:"backend" json:"backend"`
	Endpoints []string `toml:"endpoints" json:"endpoints"`
	// SessionTTL is the session lease ttl in seconds. An instance whose
	// session expires is considered dead by the cluster.
	SessionTTL  int          `toml:"session-ttl" json:"session-ttl"`
	DialTimeout TomlDuration `toml:"dial-timeout" json:"dial-timeout"`
}

// CoordinatorConfig is the reconciliation loop config.
type CoordinatorConfig struct {
	// RebalanceDebounce coalesces bursts of membership and datastream
	// changes into one reconciliation.
	RebalanceDebounce TomlDuration `toml:"rebalance-debounce" json:"rebalance-debounce"`
	// ResyncInterval forces a full reconciliation even without a change.
	ResyncInterval TomlDuration `toml:"resync-interval" json:"resync-interval"`
	// Election makes only the elected instance compute assignments.
	Election bool `toml:"election" json:"election"`
}

// ExecutorConfig is the task executor config.
type ExecutorConfig struct {
	MaxStartRetries           int          `toml:"max-start-retries" json:"max-start-retries"`
	StartRetryInitialInterval TomlDuration `toml:"start-retry-initial-interval" json:"start-retry-initial-interval"`
	StartRetryMaxInterval     TomlDuration `toml:"start-retry-max-interval" json:"start-retry-max-interval"`
}

// ProducerConfig is the per task event producer config.
type ProducerConfig struct {
	// FlushInterval is the automatic flush period of DATASTREAM checkpoints.
	FlushInterval      TomlDuration `toml:"flush-interval" json:"flush-interval"`
	DrainTimeout       TomlDuration `toml:"drain-timeout" json:"drain-timeout"`
	SendMaxRetries     int          `toml:"send-max-retries" json:"send-max-retries"`
	SendRetryBaseDelay TomlDuration `toml:"send-retry-base-delay" json:"send-retry-base-delay"`
	SendRetryMaxDelay  TomlDuration `toml:"send-retry-max-delay" json:"send-retry-max-delay"`
}

// CheckpointConfig selects where DATASTREAM checkpoints are persisted.
type CheckpointConfig struct {
	Storage string `toml:"storage" json:"storage"`
	DSN     string `toml:"dsn" json:"dsn"`
}

// TransportConfig is the destination transport config.
type TransportConfig struct {
	Kafka *KafkaConfig `toml:"kafka" json:"kafka"`
}

// KafkaConfig is the kafka producer config.
type KafkaConfig struct {
	ClientID        string       `toml:"client-id" json:"client-id"`
	Version         string       `toml:"version" json:"version"`
	RequiredAcks    int16        `toml:"required-acks" json:"required-acks"`
	Compression     string       `toml:"compression" json:"compression"`
	MaxMessageBytes int          `toml:"max-message-bytes" json:"max-message-bytes"`
	DialTimeout     TomlDuration `toml:"dial-timeout" json:"dial-timeout"`
	SASLUser        string       `toml:"sasl-user" json:"sasl-user"`
	SASLPassword    string       `toml:"sasl-password" json:"sasl-password"`
}

// SchemaRegistryConfig is the schema registry client config. An empty URL
// uses a process local registry.
type SchemaRegistryConfig struct {
	URL        string       `toml:"url" json:"url"`
	Timeout    TomlDuration `toml:"timeout" json:"timeout"`
	MaxRetries int          `toml:"max-retries" json:"max-retries"`
}

// ConnectorConfig configures one connector type this instance can run.
type ConnectorConfig struct {
	// Strategy is the assignment strategy for tasks of this connector type.
	Strategy string            `toml:"strategy" json:"strategy"`
	Options  map[string]string `toml:"options" json:"options"`
}

// Marshal returns the json marshal format of a ServerConfig
func (c *ServerConfig) Marshal() (string, error) {
	cfg, err := json.Marshal(c)
	if err != nil {
		return "", cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return string(cfg), nil
}

// Unmarshal unmarshals into *ServerConfig from json marshal byte slice
func (c *ServerConfig) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, c)
	if err != nil {
		return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
	}
	return nil
}

// String implements the Stringer interface, secrets are hidden.
func (c *ServerConfig) String() string {
	s, _ := c.Marshal()
	return logutil.HideSensitive(s)
}

// Clone clones a server config
func (c *ServerConfig) Clone() *ServerConfig {
	str, err := c.Marshal()
	if err != nil {
		log.Panic("failed to marshal server config",
			zap.Error(cerror.WrapError(cerror.ErrMarshalFailed, err)))
	}
	clone := new(ServerConfig)
	err = clone.Unmarshal([]byte(str))
	if err != nil {
		log.Panic("failed to unmarshal server config",
			zap.Error(cerror.WrapError(cerror.ErrUnmarshalFailed, err)))
	}
	return clone
}

// ValidateAndAdjust validates and adjusts the server configuration
func (c *ServerConfig) ValidateAndAdjust() error {
	if c.Addr == "" {
		return cerror.ErrInvalidServerOption.GenWithStack("empty address")
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.Addr
	}
	// Advertise address must be specified.
	if idx := strings.LastIndex(c.AdvertiseAddr, ":"); idx >= 0 {
		ip := net.ParseIP(c.AdvertiseAddr[:idx])
		// Skip nil as it could be a domain name.
		if ip != nil && ip.IsUnspecified() {
			return cerror.ErrInvalidServerOption.GenWithStack("advertise address must be specified as a valid IP")
		}
	} else {
		return cerror.ErrInvalidServerOption.GenWithStack("advertise address or address does not contain a port")
	}
	if c.InstanceHost == "" {
		host, _, err := net.SplitHostPort(c.AdvertiseAddr)
		if err != nil {
			return cerror.ErrInvalidServerOption.Wrap(err).GenWithStackByCause()
		}
		c.InstanceHost = host
	}
	if strings.ContainsAny(c.InstanceHost, "/ ") {
		return cerror.ErrInvalidServerOption.GenWithStack("instance host %s contains '/' or space", c.InstanceHost)
	}
	if c.ClusterID == "" {
		c.ClusterID = DefaultClusterID
	}
	if !clusterIDRe.MatchString(c.ClusterID) {
		return cerror.ErrInvalidServerOption.GenWithStack(
			"cluster id %s is invalid, it should match %s", c.ClusterID, clusterIDRe.String())
	}

	defaultCfg := GetDefaultServerConfig()
	if c.Log == nil {
		c.Log = defaultCfg.Log
	}
	c.Log.Adjust()

	if c.Store == nil {
		c.Store = defaultCfg.Store
	}
	if err := c.Store.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	if c.Coordinator == nil {
		c.Coordinator = defaultCfg.Coordinator
	}
	if err := c.Coordinator.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	if c.Executor == nil {
		c.Executor = defaultCfg.Executor
	}
	if err := c.Executor.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	if c.Producer == nil {
		c.Producer = defaultCfg.Producer
	}
	if err := c.Producer.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	if c.Checkpoint == nil {
		c.Checkpoint = defaultCfg.Checkpoint
	}
	if err := c.Checkpoint.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	if c.Transport == nil {
		c.Transport = defaultCfg.Transport
	}
	if c.Transport.Kafka == nil {
		c.Transport.Kafka = defaultCfg.Transport.Kafka
	}
	if c.SchemaRegistry == nil {
		c.SchemaRegistry = defaultCfg.SchemaRegistry
	}
	if c.SchemaRegistry.Timeout <= 0 {
		c.SchemaRegistry.Timeout = defaultCfg.SchemaRegistry.Timeout
	}

	if len(c.Connectors) == 0 {
		return cerror.ErrInvalidServerOption.GenWithStack("no connector is configured")
	}
	for tp, conn := range c.Connectors {
		if conn == nil {
			conn = &ConnectorConfig{}
			c.Connectors[tp] = conn
		}
		if conn.Strategy == "" {
			conn.Strategy = DefaultStrategy
		}
	}
	return nil
}

// ValidateAndAdjust validates and adjusts the store configuration.
func (c *StoreConfig) ValidateAndAdjust() error {
	switch c.Backend {
	case "":
		c.Backend = StoreBackendEtcd
	case StoreBackendEtcd, StoreBackendMemory:
	default:
		return cerror.ErrInvalidServerOption.GenWithStack("unknown store backend %s", c.Backend)
	}
	if c.Backend == StoreBackendEtcd && len(c.Endpoints) == 0 {
		return cerror.ErrInvalidServerOption.GenWithStack("empty store endpoints")
	}
	if c.SessionTTL <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStack("session-ttl must be positive, got %d", c.SessionTTL)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultServerConfig.Store.DialTimeout
	}
	return nil
}

// ValidateAndAdjust validates and adjusts the coordinator configuration.
func (c *CoordinatorConfig) ValidateAndAdjust() error {
	if c.RebalanceDebounce < 0 {
		return cerror.ErrInvalidServerOption.GenWithStack("rebalance-debounce must not be negative")
	}
	if c.ResyncInterval <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStack("resync-interval must be positive")
	}
	return nil
}

// ValidateAndAdjust validates and adjusts the executor configuration.
func (c *ExecutorConfig) ValidateAndAdjust() error {
	if c.MaxStartRetries < 0 {
		return cerror.ErrInvalidServerOption.GenWithStack("max-start-retries must not be negative")
	}
	if c.StartRetryInitialInterval <= 0 {
		c.StartRetryInitialInterval = defaultServerConfig.Executor.StartRetryInitialInterval
	}
	if c.StartRetryMaxInterval < c.StartRetryInitialInterval {
		c.StartRetryMaxInterval = c.StartRetryInitialInterval
	}
	return nil
}

// ValidateAndAdjust validates and adjusts the producer configuration.
func (c *ProducerConfig) ValidateAndAdjust() error {
	if c.FlushInterval <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStack("flush-interval must be positive")
	}
	if c.DrainTimeout <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStack("drain-timeout must be positive")
	}
	if c.SendMaxRetries <= 0 {
		c.SendMaxRetries = 1
	}
	if c.SendRetryBaseDelay <= 0 {
		c.SendRetryBaseDelay = defaultServerConfig.Producer.SendRetryBaseDelay
	}
	if c.SendRetryMaxDelay < c.SendRetryBaseDelay {
		c.SendRetryMaxDelay = c.SendRetryBaseDelay
	}
	return nil
}

// ValidateAndAdjust validates and adjusts the checkpoint configuration.
func (c *CheckpointConfig) ValidateAndAdjust() error {
	switch c.Storage {
	case "":
		c.Storage = CheckpointStorageMetadata
	case CheckpointStorageMetadata:
	case CheckpointStorageMySQL:
		if c.DSN == "" {
			return cerror.ErrInvalidServerOption.GenWithStack("mysql checkpoint storage needs a dsn")
		}
	case CheckpointStorageSQLite:
		if c.DSN == "" {
			c.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", "datastream-checkpoint")
		}
	default:
		return cerror.ErrInvalidServerOption.GenWithStack("unknown checkpoint storage %s", c.Storage)
	}
	return nil
}

// GetDefaultServerConfig returns the default server config
func GetDefaultServerConfig() *ServerConfig {
	return defaultServerConfig.Clone()
}

var globalServerConfig atomic.Value

func init() {
	StoreGlobalServerConfig(GetDefaultServerConfig())
}

// GetGlobalServerConfig returns the global configuration for this server.
// It should store configuration from command line and configuration file.
// Other parts of the system can read the global configuration use this function.
func GetGlobalServerConfig() *ServerConfig {
	return globalServerConfig.Load().(*ServerConfig)
}

// StoreGlobalServerConfig stores a new config to the globalServerConfig.
// It mostly uses in the test to avoid some data races.
func StoreGlobalServerConfig(config *ServerConfig) {
	globalServerConfig.Store(config)
}
