package pipeline

import (
	"context"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultSuiteCacheSize bounds the number of suite ids remembered per ingestion.
const DefaultSuiteCacheSize = 1024

// SuiteEnsurer creates suites on demand. store.Store implements it.
type SuiteEnsurer interface {
	EnsureSuite(ctx context.Context, projectID int64, slug string) (int64, error)
}

// SuiteCache resolves suite slugs of one project to ids, remembering the
// most recent ones so that a report split into many modules does not hit
// the database for every chunk.
type SuiteCache struct {
	suites    SuiteEnsurer
	projectID int64
	cache     *lru.Cache
}

// NewSuiteCache creates a cache in front of suites for projectID.
func NewSuiteCache(suites SuiteEnsurer, projectID int64, size int) (*SuiteCache, error) {
	if size <= 0 {
		size = DefaultSuiteCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create suite cache")
	}
	return &SuiteCache{suites: suites, projectID: projectID, cache: cache}, nil
}

// EnsureSuite returns the id of slug, creating the suite if needed.
func (c *SuiteCache) EnsureSuite(ctx context.Context, slug string) (int64, error) {
	if id, ok := c.cache.Get(slug); ok {
		return id.(int64), nil
	}
	id, err := c.suites.EnsureSuite(ctx, c.projectID, slug)
	if err != nil {
		return 0, err
	}
	c.cache.Add(slug, id)
	return id, nil
}
