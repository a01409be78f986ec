package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

// Lock provider types
const (
	LockAzureBlob = "azure_blob"
	LockFile      = "file"
	LockNone      = "none"
)

// Checkpoint store types
const (
	CheckpointSQL  = "sql"
	CheckpointBolt = "bolt"
)

// Ingest queue providers
const (
	QueueLog             = "log"
	QueueAzureServiceBus = "azure_service_bus"
)

const (
	defaultPollInterval    = "5s"
	defaultMaxPollInterval = "5m"
	defaultBatchSize       = 100
	defaultCheckpointTable = "tracked_checkpoints"
)

// Config holds the configuration of the tracked-table ingester. It is read
// from a dstream.hcl file, a JSON or YAML document, or the plugin host's
// config block.
type Config struct {
	DBConnectionString string `json:"db_connection_string" yaml:"db_connection_string" hcl:"db_connection_string"` // PostgreSQL connection string
	// TxidOffset is added to every transaction id. It must match the offset
	// the ledger migrations were applied with.
	TxidOffset int64 `json:"txid_offset,omitempty" yaml:"txid_offset,omitempty" hcl:"txid_offset,optional"`

	Tables  []string       `json:"tables,omitempty" yaml:"tables,omitempty" hcl:"tables,optional"` // shorthand for streams with defaults
	Streams []StreamConfig `json:"streams,omitempty" yaml:"streams,omitempty" hcl:"stream,block"`

	Lock        *LockConfig        `json:"lock,omitempty" yaml:"lock,omitempty" hcl:"lock,block"`
	IngestQueue *IngestQueueConfig `json:"ingest_queue,omitempty" yaml:"ingest_queue,omitempty" hcl:"ingest_queue,block"`
	Polling     *PollingConfig     `json:"polling,omitempty" yaml:"polling,omitempty" hcl:"polling,block"`
	Checkpoint  *CheckpointConfig  `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty" hcl:"checkpoint,block"`
}

// StreamConfig describes one tracked entity to publish.
type StreamConfig struct {
	Name        string   `json:"name" yaml:"name" hcl:"name,label"`
	Table       string   `json:"table" yaml:"table" hcl:"table,optional"`                            // entity table, optionally schema qualified
	IDColumn    string   `json:"id_column,omitempty" yaml:"id_column,omitempty" hcl:"id_column,optional"` // defaults to "id"
	LedgerTable string   `json:"ledger_table,omitempty" yaml:"ledger_table,omitempty" hcl:"ledger_table,optional"`
	Columns     []string `json:"columns,omitempty" yaml:"columns,omitempty" hcl:"columns,optional"` // projection, defaults to all columns
	BatchSize   int      `json:"batch_size,omitempty" yaml:"batch_size,omitempty" hcl:"batch_size,optional"`
}

// Ledger returns the version ledger descriptor of the stream.
func (s StreamConfig) Ledger() tracked.Ledger {
	return tracked.Ledger{EntityTable: s.Table, IDColumn: s.IDColumn, Table: s.LedgerTable}.WithDefaults()
}

// Projection returns the projection the stream publishes: the configured
// entity columns, or all of them.
func (s StreamConfig) Projection() tracked.Projection {
	var columns []string
	for _, col := range s.Columns {
		columns = append(columns, "t."+tracked.QuoteIdent(col))
	}
	return tracked.Projection{Entity: s.Name, Columns: columns}
}

// LockConfig represents the configuration for distributed locking
type LockConfig struct {
	Type             string `json:"type" yaml:"type" hcl:"type"`                                                          // azure_blob, file or none
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty" hcl:"connection_string,optional"` // azure_blob
	ContainerName    string `json:"container_name,omitempty" yaml:"container_name,omitempty" hcl:"container_name,optional"`          // azure_blob
	Directory        string `json:"directory,omitempty" yaml:"directory,omitempty" hcl:"directory,optional"`                         // file
}

// IngestQueueConfig configures where change batches are published.
type IngestQueueConfig struct {
	Provider         string `json:"provider" yaml:"provider" hcl:"provider"` // log or azure_service_bus
	Type             string `json:"type,omitempty" yaml:"type,omitempty" hcl:"type,optional"`
	Name             string `json:"name,omitempty" yaml:"name,omitempty" hcl:"name,optional"`
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty" hcl:"connection_string,optional"`
	MaxMessageBytes  int    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty" hcl:"max_message_bytes,optional"`
}

// PollingConfig tunes the poll loop and its backoff.
type PollingConfig struct {
	Interval    string `json:"interval,omitempty" yaml:"interval,omitempty" hcl:"interval,optional"`
	MaxInterval string `json:"max_interval,omitempty" yaml:"max_interval,omitempty" hcl:"max_interval,optional"`
}

// CheckpointConfig selects where cursors are persisted between runs.
type CheckpointConfig struct {
	Type  string `json:"type" yaml:"type" hcl:"type"`                                 // sql or bolt
	Table string `json:"table,omitempty" yaml:"table,omitempty" hcl:"table,optional"` // sql
	Path  string `json:"path,omitempty" yaml:"path,omitempty" hcl:"path,optional"`    // bolt
}

// GetPollInterval returns the poll interval as a time.Duration
func (c *Config) GetPollInterval() (time.Duration, error) {
	return time.ParseDuration(c.Polling.Interval)
}

// GetMaxPollInterval returns the maximum backoff interval as a time.Duration
func (c *Config) GetMaxPollInterval() (time.Duration, error) {
	return time.ParseDuration(c.Polling.MaxInterval)
}

// LoadConfig reads a configuration file. The format follows the extension:
// .hcl, .json, .yaml or .yml.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var config *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".hcl":
		config = &Config{}
		if err := hclsimple.Decode(filepath.Base(path), data, nil, config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".json":
		config, err = LoadConfigFromJSON(data)
	case ".yaml", ".yml":
		config, err = LoadConfigFromYAML(data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfigFromJSON loads configuration from JSON input
func LoadConfigFromJSON(jsonData []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(jsonData, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfigFromYAML loads configuration from a YAML document
func LoadConfigFromYAML(yamlData []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// FromStruct converts the config block a plugin host sends as a
// google.protobuf.Struct and validates it.
func FromStruct(cfg *structpb.Struct) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing plugin config")
	}
	data, err := protojson.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plugin config: %w", err)
	}
	config, err := LoadConfigFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode plugin config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks required keys and fills in defaults.
func (c *Config) Validate() error {
	if c.DBConnectionString == "" {
		return fmt.Errorf("missing required config: db_connection_string")
	}
	if c.TxidOffset < 0 {
		return fmt.Errorf("txid_offset must not be negative")
	}

	for _, table := range c.Tables {
		c.Streams = append(c.Streams, StreamConfig{Name: table, Table: table})
	}
	c.Tables = nil
	if len(c.Streams) == 0 {
		return fmt.Errorf("missing required config: tables or stream")
	}

	seen := make(map[string]bool)
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Table == "" {
			s.Table = s.Name
		}
		if s.Name == "" {
			s.Name = s.Table
		}
		if s.Table == "" {
			return fmt.Errorf("stream %d: missing table", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stream %q", s.Name)
		}
		seen[s.Name] = true
		if s.BatchSize == 0 {
			s.BatchSize = defaultBatchSize
		}
		if s.BatchSize < 0 {
			return fmt.Errorf("stream %s: batch_size must be positive", s.Name)
		}
	}

	if c.Polling == nil {
		c.Polling = &PollingConfig{}
	}
	if c.Polling.Interval == "" {
		c.Polling.Interval = defaultPollInterval
	}
	if c.Polling.MaxInterval == "" {
		c.Polling.MaxInterval = defaultMaxPollInterval
	}
	poll, err := c.GetPollInterval()
	if err != nil {
		return fmt.Errorf("invalid polling.interval: %w", err)
	}
	maxPoll, err := c.GetMaxPollInterval()
	if err != nil {
		return fmt.Errorf("invalid polling.max_interval: %w", err)
	}
	if poll <= 0 || maxPoll < poll {
		return fmt.Errorf("polling intervals must satisfy 0 < interval <= max_interval")
	}

	if c.Lock == nil {
		c.Lock = &LockConfig{Type: LockNone}
	}
	switch c.Lock.Type {
	case LockAzureBlob:
		if c.Lock.ConnectionString == "" {
			return fmt.Errorf("missing required config: lock.connection_string")
		}
		if c.Lock.ContainerName == "" {
			return fmt.Errorf("missing required config: lock.container_name")
		}
	case LockFile:
		if c.Lock.Directory == "" {
			c.Lock.Directory = os.TempDir()
		}
	case LockNone:
	default:
		return fmt.Errorf("unsupported lock.type %q", c.Lock.Type)
	}

	if c.IngestQueue == nil {
		c.IngestQueue = &IngestQueueConfig{Provider: QueueLog}
	}
	switch c.IngestQueue.Provider {
	case QueueLog:
	case QueueAzureServiceBus:
		if c.IngestQueue.ConnectionString == "" || c.IngestQueue.Name == "" {
			return fmt.Errorf("missing required config: ingest_queue.connection_string and ingest_queue.name")
		}
	default:
		return fmt.Errorf("unsupported ingest_queue.provider %q", c.IngestQueue.Provider)
	}

	if c.Checkpoint == nil {
		c.Checkpoint = &CheckpointConfig{Type: CheckpointSQL}
	}
	switch c.Checkpoint.Type {
	case CheckpointSQL:
		if c.Checkpoint.Table == "" {
			c.Checkpoint.Table = defaultCheckpointTable
		}
	case CheckpointBolt:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("missing required config: checkpoint.path")
		}
	default:
		return fmt.Errorf("unsupported checkpoint.type %q", c.Checkpoint.Type)
	}
	return nil
}

// Ledgers returns the ledger descriptor of every stream.
func (c *Config) Ledgers() []tracked.Ledger {
	ledgers := make([]tracked.Ledger, 0, len(c.Streams))
	for _, s := range c.Streams {
		ledgers = append(ledgers, s.Ledger())
	}
	return ledgers
}

// Registry registers every stream's ledger under the stream name.
func (c *Config) Registry() (*tracked.Registry, error) {
	reg := tracked.NewRegistry()
	for _, s := range c.Streams {
		if err := reg.Register(s.Name, s.Ledger()); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
