package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopmonkeyus/go-common/logger"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/audit"
	"github.com/shopmonkeyus/schemastore/internal/compiler"
	"github.com/shopmonkeyus/schemastore/internal/storage"
	"github.com/shopmonkeyus/schemastore/internal/store"
)

const (
	DefaultName = "default"

	metaDatabaseKey    = "meta:database"
	metaTablePrefix    = "meta:table:"
	maxCascadeDepth    = 8
	defaultSyncPolicy  = "everysecond"
	auditTypeTable     = "table"
	auditTypeDocument  = "document"
	auditTypeDatabase  = "database"
	CodeUnique         = "unique"
	CodeReadonly       = "readonly"
	CodeInvalidPayload = "invalid_payload"
)

type Config struct {
	Context context.Context
	Logger  logger.Logger
	// Name of the database. The data file is <DataDir>/<Name>.db.
	Name string
	// DataDir holds the database file. When empty the database is kept in memory.
	DataDir    string
	SyncPolicy string
	// Audit is the audit log to record mutations in. When nil one is created from AuditDir and DisableAudit.
	Audit        *audit.Log
	AuditDir     string
	DisableAudit bool
	// QueueSize is the capacity of each table's mutation queue.
	QueueSize int
	Now       func() time.Time
}

// Header is the persisted description of the database.
type Header struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// storedTable is the metadata persisted for each table.
type storedTable struct {
	ID     string                `json:"id"`
	Schema *internal.TableSchema `json:"schema"`
	// Columns maps column id to column name.
	Columns map[string]string `json:"columns"`
}

type table struct {
	id    string
	name  string
	store *store.Store
}

// Service is the database: it owns the schema registry, one document store per table and the audit log.
type Service struct {
	ctx      context.Context
	logger   logger.Logger
	config   Config
	db       storage.Map
	registry *compiler.Registry
	audit    *audit.Log
	ownAudit bool
	now      func() time.Time

	mu     sync.RWMutex
	header *Header
	tables map[string]*table
	closed bool
	once   sync.Once
}

func metaTableKey(id string) string {
	return metaTablePrefix + id
}

func (s *Service) observe(op string, started time.Time) {
	internal.TotalOperations.WithLabelValues(op).Inc()
	internal.OperationDuration.Observe(time.Since(started).Seconds())
}

func (s *Service) timestamp() string {
	return internal.FormatDate(s.now())
}

// Name returns the name of the database.
func (s *Service) Name() string {
	return s.config.Name
}

// Exists returns true if the database has been initialized.
func (s *Service) Exists() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header != nil
}

// Header returns the persisted description of the database or nil if it has not been initialized.
func (s *Service) Header() *Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.header == nil {
		return nil
	}
	h := *s.header
	return &h
}

// Registry returns the schema registry of the database.
func (s *Service) Registry() *compiler.Registry {
	return s.registry
}

// Audit returns the audit log of the database.
func (s *Service) Audit() *audit.Log {
	return s.audit
}

// logEvent records a change that has already been committed. A failed audit write is logged and counted
// but does not fail the call.
func (s *Service) logEvent(ctx context.Context, eventType string, method string, data any, masked []string) {
	if err := s.audit.LogEvent(ctx, audit.Event{Type: eventType, Method: method, Data: data, Masked: masked}); err != nil {
		internal.AuditFailures.Inc()
		s.logger.Error("error recording %s %s: %s", eventType, method, err)
	}
}

func (s *Service) writeHeader(h *Header) error {
	buf, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.db.Set(metaDatabaseKey, string(buf))
}

// Initialize creates the database. When a schema is given every table it declares is created, or updated if
// it already exists, so initializing an existing database applies the schema again.
func (s *Service) Initialize(ctx context.Context, schema *internal.DatabaseSchema) error {
	defer s.observe("initialize", time.Now())
	if schema != nil {
		if err := schema.Validate(); err != nil {
			return err
		}
		if schema.Name != s.config.Name {
			return &internal.ConfigurationError{Message: fmt.Sprintf("schema is for database %s, not %s", schema.Name, s.config.Name)}
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	header := s.header
	created := header == nil
	if created {
		header = &Header{Name: s.config.Name, CreatedAt: s.timestamp()}
	} else {
		h := *header
		header = &h
		header.UpdatedAt = s.timestamp()
	}
	if schema != nil {
		header.Version = schema.Version
	}
	if err := s.writeHeader(header); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("error writing database header: %w", err)
	}
	s.header = header
	s.mu.Unlock()

	if schema != nil {
		for i := range schema.Tables {
			t := schema.Tables[i]
			var err error
			if s.registry.Has(t.Name) {
				_, err = s.UpdateTableSchema(ctx, t)
			} else {
				_, err = s.CreateTable(ctx, t)
			}
			if err != nil {
				return fmt.Errorf("error applying table %s: %w", t.Name, err)
			}
		}
	}
	method := "initialize"
	if !created {
		method = "reinitialize"
	}
	s.logger.Info("database %s %sd", s.config.Name, method)
	s.logEvent(ctx, auditTypeDatabase, method, header, nil)
	return nil
}

// Close closes every table, the audit log and the database file.
func (s *Service) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		tables := s.tables
		s.tables = make(map[string]*table)
		s.mu.Unlock()
		for _, t := range tables {
			if cerr := t.store.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if cerr := s.registry.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if s.ownAudit {
			if cerr := s.audit.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.logger.Debug("closed")
	})
	return err
}

func (s *Service) openTable(id string, name string) (*table, error) {
	st, err := store.New(store.Config{
		Context:    s.ctx,
		Logger:     s.logger,
		DB:         s.db,
		DatabaseID: s.config.Name,
		TableID:    id,
		QueueSize:  s.config.QueueSize,
	})
	if err != nil {
		return nil, err
	}
	return &table{id: id, name: name, store: st}, nil
}

// load reads the persisted header and tables.
func (s *Service) load() error {
	found, val, err := s.db.Get(metaDatabaseKey)
	if err != nil {
		return err
	}
	if found {
		var h Header
		if err := json.Unmarshal([]byte(val), &h); err != nil {
			return fmt.Errorf("error decoding database header: %w", err)
		}
		s.header = &h
	}
	var stored []storedTable
	var decodeErr error
	if err := s.db.Ascend(metaTablePrefix, func(key, value string) bool {
		var st storedTable
		if err := json.Unmarshal([]byte(value), &st); err != nil {
			decodeErr = fmt.Errorf("error decoding table metadata %s: %w", strings.TrimPrefix(key, metaTablePrefix), err)
			return false
		}
		stored = append(stored, st)
		return true
	}); err != nil {
		return err
	}
	if decodeErr != nil {
		return decodeErr
	}
	for _, st := range stored {
		if st.Schema == nil {
			return fmt.Errorf("table metadata %s has no schema", st.ID)
		}
		if err := s.registry.Register(*st.Schema); err != nil {
			return fmt.Errorf("error registering stored table %s: %w", st.Schema.Name, err)
		}
		t, err := s.openTable(st.ID, st.Schema.Name)
		if err != nil {
			return err
		}
		s.tables[st.Schema.Name] = t
		s.logger.Debug("loaded table %s (%s)", st.Schema.Name, st.ID)
	}
	return nil
}

// New opens the database, loading any tables that were previously created.
func New(config Config) (*Service, error) {
	if config.Context == nil {
		config.Context = context.Background()
	}
	if config.Logger == nil {
		config.Logger = logger.NewConsoleLogger()
	}
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.SyncPolicy == "" {
		config.SyncPolicy = defaultSyncPolicy
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	log := config.Logger.WithPrefix("[database]")
	filename := storage.Memory
	if config.DataDir != "" && config.DataDir != storage.Memory {
		if err := os.MkdirAll(config.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("error creating data directory: %w", err)
		}
		filename = storage.FilenameFromDir(config.DataDir, config.Name)
	}
	db, err := storage.New(storage.Config{
		Context:    config.Context,
		Logger:     config.Logger,
		Filename:   filename,
		SyncPolicy: config.SyncPolicy,
	})
	if err != nil {
		return nil, err
	}
	s := &Service{
		ctx:    config.Context,
		logger: log,
		config: config,
		db:     db,
		now:    now,
		tables: make(map[string]*table),
		registry: compiler.New(compiler.Config{
			Context: config.Context,
			Logger:  config.Logger,
			Now:     now,
		}),
	}
	if config.Audit != nil {
		s.audit = config.Audit
	} else {
		s.audit = audit.New(audit.Config{
			Context:    config.Context,
			Logger:     config.Logger,
			Dir:        config.AuditDir,
			SyncPolicy: config.SyncPolicy,
			Disabled:   config.DisableAudit,
			Now:        now,
		})
		s.ownAudit = true
	}
	if err := s.load(); err != nil {
		s.Close()
		return nil, err
	}
	log.Debug("opened %s with %d tables", filename, len(s.tables))
	return s, nil
}
