// Package cache implements a namespaced key/value cache with TTL on top of
// the cache_entries table.
//
// Reads go through Engine.Get, which never returns an error: a missing row,
// an expired row and an unreachable database all look like a miss. Expiry is
// evaluated at read time against the engine clock, so a row past its
// expires_at is invisible even before the janitor deletes it. Every write
// bumps the entry version.
//
//	storage := cache.NewPostgresStorage(pool)
//	c, err := cache.NewEngine(storage, cache.WithConfig(cfg))
//	if err != nil {
//	    return err
//	}
//
//	_ = c.Set(ctx, "issues", "count:42", []byte("7"), 30*time.Second)
//	if v, ok := c.Get(ctx, "issues", "count:42"); ok {
//	    // ...
//	}
//
// InvalidateNamespace deletes by the leading primary key column, so it uses
// the (namespace, key) index instead of scanning the table.
//
// # Near tier
//
// When Config.NearSize is positive the engine keeps recently read entries in
// a process-local expirable LRU (github.com/hashicorp/golang-lru/v2). Local
// invalidations evict from it immediately; writes made by other processes
// become visible once the near entry ages out after Config.NearTTL. Leave it
// disabled for namespaces that must observe other processes' invalidations at
// once.
//
// There is no read-modify-write primitive. Callers that need one should
// serialize the work through the queue instead.
package cache
