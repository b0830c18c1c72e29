package util

import (
	"context"
	"sync"
	"time"
)

// Cache is a typed key value cache with optional per-entry expiration.
type Cache[V any] interface {
	// Get a value from the cache and return true if found
	Get(key string) (bool, V, error)

	// Set a value into the cache with a cache expiration, an expiration of zero never expires
	Set(key string, val V, expires time.Duration) error

	// Delete removes a value from the cache and returns true if it was present
	Delete(key string) bool

	// Len returns the number of entries, including expired entries not yet swept
	Len() int

	// Close will shutdown the cache
	Close() error
}

type entry[V any] struct {
	object  V
	expires time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expires.IsZero() && e.expires.Before(now)
}

type inMemoryCache[V any] struct {
	ctx         context.Context
	cancel      context.CancelFunc
	entries     map[string]*entry[V]
	mutex       sync.RWMutex
	waitGroup   sync.WaitGroup
	once        sync.Once
	expiryCheck time.Duration
}

func (c *inMemoryCache[V]) Get(key string) (bool, V, error) {
	var zero V
	c.mutex.RLock()
	e, ok := c.entries[key]
	c.mutex.RUnlock()
	if !ok {
		return false, zero, nil
	}
	if e.expired(time.Now()) {
		c.mutex.Lock()
		// a Set may have replaced the entry between the two locks
		if current := c.entries[key]; current == e {
			delete(c.entries, key)
		}
		c.mutex.Unlock()
		return false, zero, nil
	}
	return true, e.object, nil
}

func (c *inMemoryCache[V]) Set(key string, val V, expires time.Duration) error {
	e := &entry[V]{object: val}
	if expires > 0 {
		e.expires = time.Now().Add(expires)
	}
	c.mutex.Lock()
	c.entries[key] = e
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryCache[V]) Delete(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		return true
	}
	return false
}

func (c *inMemoryCache[V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

func (c *inMemoryCache[V]) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *inMemoryCache[V]) sweep(now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
}

func (c *inMemoryCache[V]) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// NewCache returns an in-memory cache that sweeps expired entries every expiryCheck until the context is
// done or the cache is closed.
func NewCache[V any](parent context.Context, expiryCheck time.Duration) Cache[V] {
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryCache[V]{
		ctx:         ctx,
		cancel:      cancel,
		entries:     make(map[string]*entry[V]),
		expiryCheck: expiryCheck,
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}
