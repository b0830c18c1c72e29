package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopmonkeyus/go-common/logger"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/storage"
	"github.com/shopmonkeyus/schemastore/internal/util"
)

const defaultQueueSize = 64

// ErrClosed is returned when a mutation is submitted to a closed store.
var ErrClosed = fmt.Errorf("store closed")

type Config struct {
	Context context.Context
	Logger  logger.Logger
	DB      storage.Map
	// DatabaseID namespaces the table. Informational only, the table id is globally unique.
	DatabaseID string
	TableID    string
	// QueueSize is the capacity of the mutation queue.
	QueueSize int
}

// Store persists the documents of one table. Reads run against a snapshot of the durable map; every
// mutation is applied in arrival order by a single owner goroutine inside one write transaction.
type Store struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     logger.Logger
	db         storage.Map
	databaseID string
	tableID    string
	mutations  chan *mutation
	waitGroup  sync.WaitGroup
	once       sync.Once
	closeMu    sync.RWMutex
	closed     bool
	mu         sync.RWMutex
	columns    ColumnIndex
}

type mutationResult struct {
	val any
	err error
}

type mutation struct {
	fn     func(tx *Tx) (any, error)
	result chan mutationResult
}

// TableID returns the id of the table.
func (s *Store) TableID() string {
	return s.tableID
}

func rowPrefix(tableID string) string {
	return "rows:" + tableID + ":"
}

func rowKey(tableID, id string) string {
	return rowPrefix(tableID) + id
}

func columnsKey(tableID string) string {
	return "columns:" + tableID
}

// Tx is a read-write transaction over the rows of one table. It is only valid inside Apply.
type Tx struct {
	tableID string
	tx      storage.Tx
}

func decodeRow(id, value string) (internal.Document, error) {
	var doc internal.Document
	if err := json.Unmarshal([]byte(value), &doc); err != nil {
		return nil, fmt.Errorf("error decoding document %s: %w", id, err)
	}
	return doc, nil
}

// Get returns the document with the id.
func (t *Tx) Get(id string) (internal.Document, bool, error) {
	val, found, err := t.tx.Get(rowKey(t.tableID, id))
	if err != nil {
		return nil, false, &internal.StorageError{Op: "get", Err: err}
	}
	if !found {
		return nil, false, nil
	}
	doc, err := decodeRow(id, val)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Put stores the document under its id.
func (t *Tx) Put(doc internal.Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("document is missing %s", internal.FieldID)
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("error encoding document %s: %w", id, err)
	}
	if err := t.tx.Set(rowKey(t.tableID, id), string(buf)); err != nil {
		return &internal.StorageError{Op: "set", Err: err}
	}
	return nil
}

// Delete removes the document and returns true if it existed.
func (t *Tx) Delete(id string) (bool, error) {
	ok, err := t.tx.Delete(rowKey(t.tableID, id))
	if err != nil {
		return false, &internal.StorageError{Op: "delete", Err: err}
	}
	return ok, nil
}

// Each calls fn for each document in id order until fn returns false. Documents must not be
// written from inside fn.
func (t *Tx) Each(fn func(doc internal.Document) bool) error {
	prefix := rowPrefix(t.tableID)
	var decodeErr error
	err := t.tx.Ascend(prefix, func(key, value string) bool {
		doc, err := decodeRow(key[len(prefix):], value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(doc)
	})
	if err != nil {
		return &internal.StorageError{Op: "scan", Err: err}
	}
	return decodeErr
}

// All returns every document in id order.
func (t *Tx) All() ([]internal.Document, error) {
	res := make([]internal.Document, 0)
	err := t.Each(func(doc internal.Document) bool {
		res = append(res, doc)
		return true
	})
	return res, err
}

// Apply runs fn as one mutation: it is queued behind earlier mutations on this table and executed in a
// single write transaction. Nothing fn wrote is kept if it returns an error.
func (s *Store) Apply(ctx context.Context, fn func(tx *Tx) (any, error)) (any, error) {
	m := &mutation{fn: fn, result: make(chan mutationResult, 1)}
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil, ErrClosed
	}
	internal.PendingMutations.Inc()
	select {
	case s.mutations <- m:
		s.closeMu.RUnlock()
	case <-ctx.Done():
		s.closeMu.RUnlock()
		internal.PendingMutations.Dec()
		return nil, ctx.Err()
	case <-s.ctx.Done():
		s.closeMu.RUnlock()
		internal.PendingMutations.Dec()
		return nil, ErrClosed
	}
	// a queued mutation always gets a result, run drains the queue before it returns
	select {
	case res := <-m.result:
		return res.val, res.err
	case <-ctx.Done():
		// the mutation is already queued and will still be applied
		return nil, ctx.Err()
	}
}

// call runs fn converting a panic into an error so one bad mutation cannot stop the owner goroutine.
func call(fn func(tx *Tx) (any, error), tx *Tx) (val any, err error) {
	defer util.RecoverError(&err)
	return fn(tx)
}

func (s *Store) apply(m *mutation) {
	defer internal.PendingMutations.Dec()
	var val any
	var fnErr error
	err := s.db.Update(func(tx storage.Tx) error {
		val, fnErr = call(m.fn, &Tx{tableID: s.tableID, tx: tx})
		return fnErr
	})
	if err != nil {
		m.result <- mutationResult{nil, err}
		return
	}
	m.result <- mutationResult{val, nil}
}

func (s *Store) run() {
	defer s.waitGroup.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.closeMu.Lock()
			s.closed = true
			s.closeMu.Unlock()
			// finish what was queued before the close
			for {
				select {
				case m := <-s.mutations:
					s.apply(m)
				default:
					return
				}
			}
		case m := <-s.mutations:
			s.apply(m)
		}
	}
}

// View runs fn against a consistent snapshot of the table.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx storage.Tx) error {
		return fn(&Tx{tableID: s.tableID, tx: tx})
	})
}

// Insert stores a new document, generating an id when the row has none.
func (s *Store) Insert(ctx context.Context, row internal.Document) (string, error) {
	ids, err := s.InsertMany(ctx, []internal.Document{row})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// InsertMany stores the documents atomically: either all of them are stored or none.
func (s *Store) InsertMany(ctx context.Context, rows []internal.Document) ([]string, error) {
	docs := make([]internal.Document, 0, len(rows))
	for _, row := range rows {
		doc := row.Clone()
		if doc == nil {
			doc = internal.Document{}
		}
		if doc.ID() == "" {
			doc[internal.FieldID] = uuid.NewString()
		}
		docs = append(docs, doc)
	}
	_, err := s.Apply(ctx, func(tx *Tx) (any, error) {
		for _, doc := range docs {
			_, found, err := tx.Get(doc.ID())
			if err != nil {
				return nil, err
			}
			if found {
				return nil, fmt.Errorf("document %s already exists: %w", doc.ID(), internal.ErrConflict)
			}
			if err := tx.Put(doc); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID()
	}
	internal.TotalOperations.WithLabelValues("insert").Add(float64(len(docs)))
	return ids, nil
}

// GetByID returns the document or a NotFoundError.
func (s *Store) GetByID(ctx context.Context, id string) (internal.Document, error) {
	var doc internal.Document
	err := s.View(ctx, func(tx *Tx) error {
		d, found, err := tx.Get(id)
		if err != nil {
			return err
		}
		if !found {
			return internal.NewDocumentNotFound(id)
		}
		doc = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetAll returns every document of the table in id order.
func (s *Store) GetAll(ctx context.Context) ([]internal.Document, error) {
	return s.Scan(ctx, nil)
}

// Scan returns the documents matching the predicate, or all documents if predicate is nil.
func (s *Store) Scan(ctx context.Context, predicate func(doc internal.Document) bool) ([]internal.Document, error) {
	res := make([]internal.Document, 0)
	err := s.View(ctx, func(tx *Tx) error {
		return tx.Each(func(doc internal.Document) bool {
			if predicate == nil || predicate(doc) {
				res = append(res, doc)
			}
			return ctx.Err() == nil
		})
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Count returns the number of documents in the table.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.View(ctx, func(tx *Tx) error {
		return tx.Each(func(internal.Document) bool {
			count++
			return true
		})
	})
	return count, err
}

// Update applies mutate to the current document and stores the result. mutate receives a copy and runs
// on the owner goroutine, so concurrent updates of the same document never lose writes.
func (s *Store) Update(ctx context.Context, id string, mutate func(doc internal.Document) (internal.Document, error)) (internal.Document, error) {
	val, err := s.Apply(ctx, func(tx *Tx) (any, error) {
		current, found, err := tx.Get(id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, internal.NewDocumentNotFound(id)
		}
		next, err := mutate(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("update of document %s returned no document", id)
		}
		next[internal.FieldID] = id
		if err := tx.Put(next); err != nil {
			return nil, err
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	internal.TotalOperations.WithLabelValues("update").Inc()
	return val.(internal.Document), nil
}

// Delete removes the document and returns true if it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	val, err := s.Apply(ctx, func(tx *Tx) (any, error) {
		return tx.Delete(id)
	})
	if err != nil {
		return false, err
	}
	internal.TotalOperations.WithLabelValues("delete").Inc()
	return val.(bool), nil
}

// Truncate removes every document and returns how many were removed.
func (s *Store) Truncate(ctx context.Context) (int, error) {
	val, err := s.Apply(ctx, func(tx *Tx) (any, error) {
		var ids []string
		if err := tx.Each(func(doc internal.Document) bool {
			ids = append(ids, doc.ID())
			return true
		}); err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, err := tx.Delete(id); err != nil {
				return nil, err
			}
		}
		return len(ids), nil
	})
	if err != nil {
		return 0, err
	}
	return val.(int), nil
}

// RenameField moves the value stored under from to the key to in every document and returns how many
// documents changed.
func (s *Store) RenameField(ctx context.Context, from, to string) (int, error) {
	return s.rewrite(ctx, func(doc internal.Document) bool {
		val, found := doc[from]
		if !found {
			return false
		}
		delete(doc, from)
		doc[to] = val
		return true
	})
}

// UnsetField removes the key from every document and returns how many documents changed.
func (s *Store) UnsetField(ctx context.Context, name string) (int, error) {
	return s.rewrite(ctx, func(doc internal.Document) bool {
		if _, found := doc[name]; !found {
			return false
		}
		delete(doc, name)
		return true
	})
}

func (s *Store) rewrite(ctx context.Context, change func(doc internal.Document) bool) (int, error) {
	val, err := s.Apply(ctx, func(tx *Tx) (any, error) {
		docs, err := tx.All()
		if err != nil {
			return nil, err
		}
		var count int
		for _, doc := range docs {
			if change(doc) {
				if err := tx.Put(doc); err != nil {
					return nil, err
				}
				count++
			}
		}
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	return val.(int), nil
}

// Columns returns the column index of the table.
func (s *Store) Columns() ColumnIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.columns
}

// SetColumns replaces the column index. Column ids of names already indexed are kept and new names
// get a generated id.
func (s *Store) SetColumns(ctx context.Context, names []string) (ColumnIndex, error) {
	s.mu.RLock()
	current := s.columns
	s.mu.RUnlock()
	next := current.With(names)
	buf, err := json.Marshal(next.columns)
	if err != nil {
		return ColumnIndex{}, fmt.Errorf("error encoding columns: %w", err)
	}
	if _, err := s.Apply(ctx, func(tx *Tx) (any, error) {
		if err := tx.tx.Set(columnsKey(s.tableID), string(buf)); err != nil {
			return nil, &internal.StorageError{Op: "set", Err: err}
		}
		return nil, nil
	}); err != nil {
		return ColumnIndex{}, err
	}
	s.mu.Lock()
	s.columns = next
	s.mu.Unlock()
	return next, nil
}

// RenameColumn changes the name of an indexed column keeping its id.
func (s *Store) RenameColumn(ctx context.Context, from, to string) (ColumnIndex, error) {
	names := s.Columns().Names()
	s.mu.Lock()
	s.columns = s.columns.renamed(from, to)
	s.mu.Unlock()
	for i, n := range names {
		if n == from {
			names[i] = to
		}
	}
	return s.SetColumns(ctx, names)
}

// Drop removes every document and the column index. The store is closed afterwards.
func (s *Store) Drop(ctx context.Context) error {
	if _, err := s.Truncate(ctx); err != nil {
		return err
	}
	if _, err := s.Apply(ctx, func(tx *Tx) (any, error) {
		if _, err := tx.tx.Delete(columnsKey(s.tableID)); err != nil {
			return nil, &internal.StorageError{Op: "delete", Err: err}
		}
		return nil, nil
	}); err != nil {
		return err
	}
	return s.Close()
}

// Close stops the owner goroutine after the queued mutations are applied.
func (s *Store) Close() error {
	s.logger.Trace("closing")
	s.once.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		s.closeMu.Unlock()
		s.cancel()
		s.waitGroup.Wait()
	})
	s.logger.Trace("closed")
	return nil
}

func (s *Store) loadColumns() error {
	found, val, err := s.db.Get(columnsKey(s.tableID))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	var columns []Column
	if err := json.Unmarshal([]byte(val), &columns); err != nil {
		return fmt.Errorf("error decoding columns for table %s: %w", s.tableID, err)
	}
	s.columns = ColumnIndex{columns: columns}
	return nil
}

// New opens the store for a table and starts its owner goroutine.
func New(config Config) (*Store, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("store requires a database")
	}
	if config.TableID == "" {
		return nil, fmt.Errorf("store requires a table id")
	}
	parent := config.Context
	if parent == nil {
		parent = context.Background()
	}
	log := config.Logger
	if log == nil {
		log = logger.NewConsoleLogger()
	}
	size := config.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.WithPrefix("[store]").With(map[string]any{"table": config.TableID}),
		db:         config.DB,
		databaseID: config.DatabaseID,
		tableID:    config.TableID,
		mutations:  make(chan *mutation, size),
	}
	if err := s.loadColumns(); err != nil {
		cancel()
		return nil, err
	}
	s.waitGroup.Add(1)
	go s.run()
	return s, nil
}
