package audit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopmonkeyus/go-common/logger"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/storage"
	"github.com/shopmonkeyus/schemastore/internal/util"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	dayFormat  = "2006-01-02"
	filePrefix = "audit-"
	entryKey   = "entry:"
)

// Event is something that happened to a table or document.
type Event struct {
	Type   string
	Method string
	Data   any
	// Masked are keys whose values are masked wherever they appear in Data.
	Masked []string
}

// Entry is a recorded event.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Method    string    `json:"method"`
	Data      any       `json:"data,omitempty"`
}

type Config struct {
	Context context.Context
	Logger  logger.Logger
	// Dir holds one file per day. When empty the partitions are kept in memory.
	Dir        string
	SyncPolicy string
	// Disabled turns LogEvent into a no-op.
	Disabled bool
	Now      func() time.Time
}

type partition struct {
	day string
	db  storage.Map
	seq uint64
}

// Log is an append-only audit log partitioned by calendar day (UTC).
type Log struct {
	config     Config
	logger     logger.Logger
	now        func() time.Time
	mu         sync.Mutex
	partitions map[string]*partition
	closed     bool
}

// Enabled returns true if events are recorded.
func (l *Log) Enabled() bool {
	return !l.config.Disabled
}

func (l *Log) filename(day string) string {
	return filepath.Join(l.config.Dir, filePrefix+day+".db")
}

// partition returns the partition for the day, opening it when create is true or it already exists on disk.
// Must be called with the lock held.
func (l *Log) partition(day string, create bool) (*partition, error) {
	if p, ok := l.partitions[day]; ok {
		return p, nil
	}
	filename := storage.Memory
	if l.config.Dir != "" {
		filename = l.filename(day)
		if !create && !util.Exists(filename) {
			return nil, nil
		}
		if err := os.MkdirAll(l.config.Dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating audit directory: %w", err)
		}
	} else if !create {
		return nil, nil
	}
	db, err := storage.New(storage.Config{
		Context:    l.config.Context,
		Logger:     l.logger,
		Filename:   filename,
		SyncPolicy: l.config.SyncPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening audit partition %s: %w", day, err)
	}
	p := &partition{day: day, db: db}
	if err := db.Ascend(entryKey, func(key, value string) bool {
		var seq uint64
		if _, err := fmt.Sscanf(strings.TrimPrefix(key, entryKey), "%d", &seq); err == nil && seq > p.seq {
			p.seq = seq
		}
		return true
	}); err != nil {
		db.Close()
		return nil, err
	}
	l.partitions[day] = p
	l.logger.Debug("opened partition %s with %d entries", day, p.seq)
	return p, nil
}

func encode(entry Entry) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(entry); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func decode(val string) (Entry, error) {
	var entry Entry
	dec := msgpack.NewDecoder(strings.NewReader(val))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&entry); err != nil {
		return entry, err
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return entry, nil
}

// mask replaces the values of the keys in data, and in any object nested in data, with a masked value.
func mask(data any, keys []string) any {
	if len(keys) == 0 {
		return data
	}
	var m map[string]any
	switch v := data.(type) {
	case map[string]any:
		m = v
	case internal.Document:
		m = v
	case []any:
		res := make([]any, 0, len(v))
		for _, item := range v {
			res = append(res, mask(item, keys))
		}
		return res
	default:
		return data
	}
	res := make(map[string]any, len(m))
	for k, v := range m {
		if util.SliceContains(keys, k) {
			res[k] = util.MaskValue(v)
		} else {
			res[k] = mask(v, keys)
		}
	}
	return res
}

// LogEvent appends the event to the partition for the current day. It does nothing when the log is disabled.
func (l *Log) LogEvent(ctx context.Context, event Event) error {
	if l.config.Disabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := l.now().UTC()
	day := now.Format(dayFormat)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("audit log is closed")
	}
	p, err := l.partition(day, true)
	if err != nil {
		return err
	}
	entry := Entry{
		Seq:       p.seq + 1,
		Timestamp: now,
		Type:      event.Type,
		Method:    event.Method,
		Data:      mask(event.Data, event.Masked),
	}
	val, err := encode(entry)
	if err != nil {
		return fmt.Errorf("error encoding audit entry: %w", err)
	}
	if err := p.db.Set(fmt.Sprintf("%s%020d", entryKey, entry.Seq), val); err != nil {
		return fmt.Errorf("error writing audit entry: %w", err)
	}
	p.seq = entry.Seq
	internal.AuditEvents.Inc()
	l.logger.Trace("recorded %s %s on %s (%d)", event.Type, event.Method, day, entry.Seq)
	return nil
}

// Entries returns the entries recorded on the day (YYYY-MM-DD) in the order they were recorded.
func (l *Log) Entries(ctx context.Context, day string) ([]Entry, error) {
	if _, err := time.Parse(dayFormat, day); err != nil {
		return nil, fmt.Errorf("invalid day %q: expected YYYY-MM-DD", day)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("audit log is closed")
	}
	p, err := l.partition(day, false)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0)
	if p == nil {
		return entries, nil
	}
	var decodeErr error
	if err := p.db.Ascend(entryKey, func(key, value string) bool {
		if decodeErr = ctx.Err(); decodeErr != nil {
			return false
		}
		entry, err := decode(value)
		if err != nil {
			decodeErr = fmt.Errorf("error decoding audit entry %s: %w", key, err)
			return false
		}
		entries = append(entries, entry)
		return true
	}); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return entries, nil
}

// Days returns the days that have a partition, oldest first.
func (l *Log) Days() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	found := make(map[string]bool)
	for day := range l.partitions {
		found[day] = true
	}
	if l.config.Dir != "" && util.Exists(l.config.Dir) {
		files, err := util.ListDir(l.config.Dir, filePrefix, ".db")
		if err != nil {
			return nil, fmt.Errorf("error listing audit partitions: %w", err)
		}
		for _, file := range files {
			day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(file), filePrefix), ".db")
			if _, err := time.Parse(dayFormat, day); err == nil {
				found[day] = true
			}
		}
	}
	days := make([]string, 0, len(found))
	for day := range found {
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// Close closes every open partition.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	for day, p := range l.partitions {
		if err := p.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing partition %s: %w", day, err))
		}
	}
	l.partitions = nil
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// New returns an audit log. Partitions are opened lazily.
func New(config Config) *Log {
	if config.Context == nil {
		config.Context = context.Background()
	}
	log := config.Logger
	if log == nil {
		log = logger.NewConsoleLogger()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		config:     config,
		logger:     log.WithPrefix("[audit]"),
		now:        now,
		partitions: make(map[string]*partition),
	}
}
