package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shopmonkeyus/go-common/logger"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/tidwall/buntdb"
)

// Memory is the filename which opens a database that is never persisted.
const Memory = ":memory:"

// Tx is a transaction against the durable map.
type Tx interface {
	// Get returns the value for key and true if found.
	Get(key string) (string, bool, error)
	// Set stores value under key.
	Set(key, value string) error
	// Delete removes key and returns true if it existed.
	Delete(key string) (bool, error)
	// Ascend calls fn for each key with the prefix in key order until fn returns false.
	Ascend(prefix string, fn func(key, value string) bool) error
}

// Map is a durable, ordered key value map.
type Map interface {
	Get(key string) (bool, string, error)
	Set(key, value string) error
	SetMany(kv map[string]string) error
	Delete(keys ...string) error
	Ascend(prefix string, fn func(key, value string) bool) error
	// Update runs fn in a read-write transaction. All writes are discarded if fn returns an error.
	Update(fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(fn func(tx Tx) error) error
	Close() error
}

type Config struct {
	Context context.Context
	Logger  logger.Logger
	// Filename of the database or Memory.
	Filename string
	// SyncPolicy is one of always, everysecond or never. Defaults to everysecond.
	SyncPolicy string
}

// DB is a Map backed by buntdb.
type DB struct {
	ctx      context.Context
	logger   logger.Logger
	db       *buntdb.DB
	filename string
	once     sync.Once
}

var _ Map = (*DB)(nil)

type tx struct {
	tx *buntdb.Tx
}

var _ Tx = (*tx)(nil)

func (t *tx) Get(key string) (string, bool, error) {
	val, err := t.tx.Get(key, false)
	if err != nil {
		if err == buntdb.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

func (t *tx) Set(key, value string) error {
	_, _, err := t.tx.Set(key, value, nil)
	return err
}

func (t *tx) Delete(key string) (bool, error) {
	if _, err := t.tx.Delete(key); err != nil {
		if err == buntdb.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *tx) Ascend(prefix string, fn func(key, value string) bool) error {
	return t.tx.AscendGreaterOrEqual("", prefix, func(key, value string) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		return fn(key, value)
	})
}

func storageError(op string, err error) error {
	return &internal.StorageError{Op: op, Err: err}
}

// Filename returns the file backing the database.
func (d *DB) Filename() string {
	return d.filename
}

// Close will close the underlying database.
func (d *DB) Close() error {
	d.logger.Debug("closing")
	d.once.Do(func() {
		if d.filename != Memory {
			d.db.Shrink()
		}
		d.db.Close()
	})
	d.logger.Debug("closed")
	return nil
}

// Get will return the value of the key from the database.
func (d *DB) Get(key string) (bool, string, error) {
	var value string
	var found bool
	err := d.View(func(t Tx) error {
		val, ok, err := t.Get(key)
		if err != nil {
			return err
		}
		value = val
		found = ok
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return found, value, nil
}

// Set will set the key to the value in the database.
func (d *DB) Set(key, value string) error {
	return d.Update(func(t Tx) error {
		return t.Set(key, value)
	})
}

// SetMany will set all the keys in one transaction.
func (d *DB) SetMany(kv map[string]string) error {
	return d.Update(func(t Tx) error {
		for key, value := range kv {
			if err := t.Set(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete will delete the keys from the database. Missing keys are ignored.
func (d *DB) Delete(keys ...string) error {
	return d.Update(func(t Tx) error {
		for _, key := range keys {
			if _, err := t.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ascend iterates the keys with prefix in order.
func (d *DB) Ascend(prefix string, fn func(key, value string) bool) error {
	return d.View(func(t Tx) error {
		return t.Ascend(prefix, fn)
	})
}

func (d *DB) Update(fn func(t Tx) error) error {
	var fnErr error
	err := d.db.Update(func(btx *buntdb.Tx) error {
		fnErr = fn(&tx{btx})
		return fnErr
	})
	if err != nil {
		if fnErr != nil {
			// errors returned by the caller are passed through untouched
			return fnErr
		}
		return storageError("update", err)
	}
	return nil
}

func (d *DB) View(fn func(t Tx) error) error {
	var fnErr error
	err := d.db.View(func(btx *buntdb.Tx) error {
		fnErr = fn(&tx{btx})
		return fnErr
	})
	if err != nil {
		if fnErr != nil {
			return fnErr
		}
		return storageError("view", err)
	}
	return nil
}

// FilenameFromDir returns the filename for a named database in a specific directory.
func FilenameFromDir(dir string, name string) string {
	return filepath.Join(dir, name+".db")
}

func parseSyncPolicy(val string) (buntdb.SyncPolicy, error) {
	switch strings.ToLower(val) {
	case "", "everysecond":
		return buntdb.EverySecond, nil
	case "always":
		return buntdb.Always, nil
	case "never":
		return buntdb.Never, nil
	}
	return buntdb.EverySecond, fmt.Errorf("invalid sync policy: %s", val)
}

// New will open the database with the given configuration.
func New(config Config) (*DB, error) {
	policy, err := parseSyncPolicy(config.SyncPolicy)
	if err != nil {
		return nil, err
	}
	filename := config.Filename
	if filename == "" {
		filename = Memory
	}
	db, err := buntdb.Open(filename)
	if err != nil {
		return nil, storageError("open", fmt.Errorf("failed to open db %s: %w", filename, err))
	}

	var dbcfg buntdb.Config
	if err := db.ReadConfig(&dbcfg); err != nil {
		db.Close()
		return nil, storageError("open", fmt.Errorf("failed to read db config: %w", err))
	}
	dbcfg.SyncPolicy = policy
	if err := db.SetConfig(dbcfg); err != nil {
		db.Close()
		return nil, storageError("open", fmt.Errorf("failed to set db config: %w", err))
	}

	ctx := config.Context
	if ctx == nil {
		ctx = context.Background()
	}
	log := config.Logger
	if log == nil {
		log = logger.NewConsoleLogger()
	}
	return &DB{
		ctx:      ctx,
		logger:   log.WithPrefix("[storage]"),
		db:       db,
		filename: filename,
	}, nil
}
