package ingester

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/katasec/dstream-ingester-tracked/internal/config"
	"github.com/katasec/dstream-ingester-tracked/internal/logging"
)

// Field types advertised in a FieldSchema.
const (
	FieldTypeString = "string"
	FieldTypeNumber = "number"
	FieldTypeList   = "list"
	FieldTypeObject = "object"
)

// FieldSchema describes one config field so hosts can validate or prompt.
type FieldSchema struct {
	Name        string
	Type        string
	Required    bool
	Description string
	Fields      []FieldSchema
}

// Service is what a host drives over the plugin connection. Start blocks
// while the ingester runs; Stop ends it.
type Service interface {
	Start(configJSON []byte) error
	Stop() error
	GetSchema() ([]FieldSchema, error)
}

// Plugin implements Service on top of Ingester.
type Plugin struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ Service = (*Plugin)(nil)

// Start receives the host's `config { … }` block as protojson.
func (p *Plugin) Start(configJSON []byte) error {
	cfg := &structpb.Struct{}
	if err := protojson.Unmarshal(configJSON, cfg); err != nil {
		return fmt.Errorf("failed to decode plugin config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		cancel()
		return fmt.Errorf("ingester is already running")
	}
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
		cancel()
	}()
	return p.Run(ctx, cfg)
}

// Run validates cfg and runs the ingester until ctx is done.
func (p *Plugin) Run(ctx context.Context, cfg *structpb.Struct) error {
	log := logging.GetLogger()
	log.Info("Tracked ingester plugin starting execution")

	ingesterConfig, err := config.FromStruct(cfg)
	if err != nil {
		return err
	}
	for _, s := range ingesterConfig.Streams {
		log.Debug("Configured stream", "stream", s.Name, "table", s.Table, "ledger", s.Ledger().Table)
	}
	return New(ingesterConfig).Start(ctx)
}

// Stop cancels a running Start. It is a no-op when nothing runs.
func (p *Plugin) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		logging.GetLogger().Info("Stopping tracked ingester...")
		p.cancel()
	}
	return nil
}

// GetSchema advertises hierarchical fields so the CLI can validate / prompt
func (p *Plugin) GetSchema() ([]FieldSchema, error) {
	return []FieldSchema{
		{
			Name:        "db_connection_string",
			Type:        FieldTypeString,
			Required:    true,
			Description: "Connection string to connect to the PostgreSQL database",
		},
		{
			Name:        "txid_offset",
			Type:        FieldTypeNumber,
			Description: "Offset the ledger migrations were applied with",
		},
		{
			Name:        "tables",
			Type:        FieldTypeList,
			Description: "Tracked tables to publish with default settings",
		},
		{
			Name:        "streams",
			Type:        FieldTypeList,
			Description: "Tracked tables with explicit settings",
			Fields: []FieldSchema{
				{Name: "name", Type: FieldTypeString, Required: true},
				{Name: "table", Type: FieldTypeString},
				{Name: "id_column", Type: FieldTypeString},
				{Name: "ledger_table", Type: FieldTypeString},
				{Name: "columns", Type: FieldTypeList},
				{Name: "batch_size", Type: FieldTypeNumber},
			},
		},
		{
			Name:        "ingest_queue",
			Type:        FieldTypeObject,
			Description: "Settings for publishing change events downstream",
			Fields: []FieldSchema{
				{Name: "provider", Type: FieldTypeString, Required: true},
				{Name: "type", Type: FieldTypeString},
				{Name: "name", Type: FieldTypeString},
				{Name: "connection_string", Type: FieldTypeString},
				{Name: "max_message_bytes", Type: FieldTypeNumber},
			},
		},
		{
			Name:        "lock",
			Type:        FieldTypeObject,
			Description: "Distributed-lock configuration",
			Fields: []FieldSchema{
				{Name: "type", Type: FieldTypeString, Required: true},
				{Name: "connection_string", Type: FieldTypeString},
				{Name: "container_name", Type: FieldTypeString},
				{Name: "directory", Type: FieldTypeString},
			},
		},
		{
			Name:        "polling",
			Type:        FieldTypeObject,
			Description: "Poll/back-off tuning",
			Fields: []FieldSchema{
				{Name: "interval", Type: FieldTypeString},
				{Name: "max_interval", Type: FieldTypeString},
			},
		},
		{
			Name:        "checkpoint",
			Type:        FieldTypeObject,
			Description: "Where stream cursors are kept between runs",
			Fields: []FieldSchema{
				{Name: "type", Type: FieldTypeString, Required: true},
				{Name: "table", Type: FieldTypeString},
				{Name: "path", Type: FieldTypeString},
			},
		},
	}, nil
}
