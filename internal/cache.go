package internal

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache backs Task Runtime memoization (Options.Cache). Every call names
// its scope: CacheExecution keeps entries per execution; CacheGlobal shares
// entries across executions against the same backing store.
type Cache interface {
	Get(scope CacheScope, executionID, key string) (interface{}, bool)
	Set(scope CacheScope, executionID, key string, value interface{})
}

// InMemoryCache implements Cache on top of patrickmn/go-cache.
type InMemoryCache struct {
	backing *gocache.Cache
}

// NewInMemoryCache returns a Cache whose entries never expire (the
// backing go-cache runs its janitor every 10 minutes), appropriate for the
// lifetime of a single worker process.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{backing: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

func (c *InMemoryCache) Get(scope CacheScope, executionID, key string) (interface{}, bool) {
	return c.backing.Get(c.namespacedKey(scope, executionID, key))
}

func (c *InMemoryCache) Set(scope CacheScope, executionID, key string, value interface{}) {
	c.backing.Set(c.namespacedKey(scope, executionID, key), value, gocache.NoExpiration)
}

func (c *InMemoryCache) namespacedKey(scope CacheScope, executionID, key string) string {
	if scope == CacheGlobal {
		return fmt.Sprintf("global:%s", key)
	}
	return fmt.Sprintf("exec:%s:%s", executionID, key)
}
