package compiler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopmonkeyus/go-common/logger"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/util"
	"golang.org/x/sync/singleflight"
)

// MaxDepth is the deepest nesting of array items and object fields the compiler accepts.
const MaxDepth = internal.MaxFieldDepth

const (
	prefix             = "validator:"
	cacheExpiryCheck   = time.Minute
	noValidatorExpires = 0
)

type Config struct {
	Context context.Context
	Logger  logger.Logger
	// Cache for compiled validators, a new in-memory cache is created if nil.
	Cache util.Cache[*Validator]
	// Now returns the clock used by date past/future rules. Defaults to time.Now.
	Now func() time.Time
}

// Registry holds table declarations and compiles them into cached validators.
type Registry struct {
	logger     logger.Logger
	cache      util.Cache[*Validator]
	ownCache   bool
	now        func() time.Time
	mu         sync.RWMutex
	tables     map[string]*internal.TableSchema
	order      []string
	generation map[string]uint64
	group      singleflight.Group
	once       sync.Once
}

var _ internal.SchemaRegistry = (*Registry)(nil)

// Close will release the validator cache.
func (r *Registry) Close() error {
	r.logger.Trace("closing")
	r.once.Do(func() {
		if r.ownCache {
			if err := r.cache.Close(); err != nil {
				r.logger.Error("error closing cache: %s", err)
			}
		}
	})
	r.logger.Trace("closed")
	return nil
}

func (r *Registry) getCacheKey(table string) string {
	return prefix + table
}

// Check compiles the table declaration without registering it and returns the first configuration error.
func (r *Registry) Check(table internal.TableSchema) error {
	if err := table.Validate(); err != nil {
		return err
	}
	clone, err := internal.CloneTable(&table)
	if err != nil {
		return err
	}
	_, err = newValidator(clone, r.now)
	return err
}

// Register validates the table declaration and stores it, replacing any previous declaration with the same name.
// Any cached validator for the table is evicted before Register returns.
func (r *Registry) Register(table internal.TableSchema) error {
	// compile once so configuration errors surface here and not on first use
	if err := r.Check(table); err != nil {
		return err
	}
	clone, err := internal.CloneTable(&table)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if _, found := r.tables[clone.Name]; !found {
		r.order = append(r.order, clone.Name)
	}
	r.tables[clone.Name] = clone
	r.generation[clone.Name]++
	r.cache.Delete(r.getCacheKey(clone.Name))
	r.mu.Unlock()
	r.logger.Debug("registered table: %s", clone.Name)
	return nil
}

// Unregister removes the table declaration and its cached validator. Returns true if the table was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.tables[name]; !found {
		return false
	}
	delete(r.tables, name)
	r.generation[name]++
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.cache.Delete(r.getCacheKey(name))
	r.logger.Debug("unregistered table: %s", name)
	return true
}

// GetTable returns a copy of the table declaration.
func (r *Registry) GetTable(name string) (*internal.TableSchema, error) {
	r.mu.RLock()
	table := r.tables[name]
	r.mu.RUnlock()
	if table == nil {
		return nil, internal.NewTableNotFound(name)
	}
	return internal.CloneTable(table)
}

// Has returns true if the table is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.tables[name]
	return found
}

// Tables returns copies of every table declaration in registration order.
func (r *Registry) Tables() []*internal.TableSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*internal.TableSchema, 0, len(r.order))
	for _, name := range r.order {
		if clone, err := internal.CloneTable(r.tables[name]); err == nil {
			res = append(res, clone)
		}
	}
	return res
}

// Compile returns the validator for the table, compiling and caching it on first use. Concurrent
// compiles of the same table share one compilation.
func (r *Registry) Compile(name string) (*Validator, error) {
	key := r.getCacheKey(name)
	found, val, err := r.cache.Get(key)
	if err != nil {
		return nil, fmt.Errorf("error fetching validator from cache: %w", err)
	}
	if found {
		internal.CompileCache.WithLabelValues("hit").Inc()
		return val, nil
	}
	internal.CompileCache.WithLabelValues("miss").Inc()
	r.mu.RLock()
	table := r.tables[name]
	gen := r.generation[name]
	r.mu.RUnlock()
	if table == nil {
		return nil, internal.NewTableNotFound(name)
	}
	res, err, _ := r.group.Do(util.Hash(name, gen), func() (any, error) {
		started := time.Now()
		v, err := newValidator(table, r.now)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		// a Register racing with this compile wins, the stale validator is not cached
		if r.generation[name] == gen {
			if err := r.cache.Set(key, v, noValidatorExpires); err != nil {
				r.mu.Unlock()
				return nil, fmt.Errorf("error setting key %s in cache: %w", key, err)
			}
		}
		r.mu.Unlock()
		r.logger.Trace("compiled table %s in %v", name, time.Since(started))
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Validator), nil
}

// ExtractDefaults returns a document holding the default value of every top-level field.
func (r *Registry) ExtractDefaults(name string) (internal.Document, error) {
	r.mu.RLock()
	table := r.tables[name]
	r.mu.RUnlock()
	if table == nil {
		return nil, internal.NewTableNotFound(name)
	}
	return Defaults(table.Fields), nil
}

// New returns a new Registry.
func New(config Config) *Registry {
	ctx := config.Context
	if ctx == nil {
		ctx = context.Background()
	}
	log := config.Logger
	if log == nil {
		log = logger.NewConsoleLogger()
	}
	r := &Registry{
		logger:     log.WithPrefix("[compiler]"),
		cache:      config.Cache,
		now:        config.Now,
		tables:     make(map[string]*internal.TableSchema),
		generation: make(map[string]uint64),
	}
	if r.cache == nil {
		r.cache = util.NewCache[*Validator](ctx, cacheExpiryCheck)
		r.ownCache = true
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}
