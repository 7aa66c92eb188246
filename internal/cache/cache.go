// Package cache maps request fingerprints to routine artifacts kept in a
// routine store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"autoscrape/internal/routine"
	"autoscrape/internal/store"
)

// Cache is the routine cache. It is the only writer of routine artifacts.
type Cache struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Cache backed by s.
func New(s store.Store) *Cache {
	return &Cache{store: s, locks: make(map[string]*keyLock)}
}

// Lookup returns the artifact cached under fingerprint. ok is false on a miss.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (art routine.Artifact, ok bool, err error) {
	exists, err := c.store.Exists(ctx, fingerprint)
	if err != nil {
		return routine.Artifact{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	if !exists {
		return routine.Artifact{}, false, nil
	}

	data, err := c.store.Read(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return routine.Artifact{}, false, nil
	}
	if err != nil {
		return routine.Artifact{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	return routine.Artifact{Source: string(data)}, true, nil
}

// Store publishes art under fingerprint, replacing any previous artifact.
// Writers for the same fingerprint are serialized.
func (c *Cache) Store(ctx context.Context, fingerprint string, art routine.Artifact) error {
	unlock := c.lock(fingerprint)
	defer unlock()

	if err := c.store.Write(ctx, fingerprint, []byte(art.Source)); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

func (c *Cache) lock(fingerprint string) func() {
	c.mu.Lock()
	l, ok := c.locks[fingerprint]
	if !ok {
		l = &keyLock{}
		c.locks[fingerprint] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, fingerprint)
		}
		c.mu.Unlock()
	}
}
