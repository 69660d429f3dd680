package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/karlseguin/ccache/v3"
	"go.uber.org/zap"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/request"
)

const (
	defaultMaxCacheSize = 1000
	defaultCacheTTL     = time.Minute
)

// CachedProvider answers repeated requests from memory before delegating
// them to its single upstream. Requests are matched on what they ask for,
// not on their seed, so it should only sit on top of deterministic
// upstreams.
type CachedProvider struct {
	cache        *ccache.Cache[*batch.Batch]
	maxCacheSize int64
	cacheTTL     time.Duration
	logger       logger.Logger
	// allocatedCache is used to denote whether the cache is allocated by this struct.
	// If so, CachedProvider is responsible for cleaning up.
	allocatedCache bool
}

var _ Relay = (*CachedProvider)(nil)

// CachedProviderOpt defines an option that can be used to change the
// behavior of a CachedProvider instance.
type CachedProviderOpt func(*CachedProvider)

// WithMaxCacheSize sets the maximum number of cached batches. Once reached,
// batches are evicted with an LRU policy.
func WithMaxCacheSize(size int64) CachedProviderOpt {
	return func(c *CachedProvider) {
		c.maxCacheSize = size
	}
}

// WithCacheTTL sets how long a cached batch stays valid.
func WithCacheTTL(ttl time.Duration) CachedProviderOpt {
	return func(c *CachedProvider) {
		c.cacheTTL = ttl
	}
}

// WithExistingCache sets the cache to the specified cache.
// Note that the original cache will not be stopped as it may still be used by others. It is up to the caller
// to check whether the original cache should be stopped.
func WithExistingCache(cache *ccache.Cache[*batch.Batch]) CachedProviderOpt {
	return func(c *CachedProvider) {
		c.cache = cache
	}
}

// WithCacheLogger sets the logger for the cached provider.
func WithCacheLogger(l logger.Logger) CachedProviderOpt {
	return func(c *CachedProvider) {
		c.logger = l
	}
}

func NewCachedProvider(opts ...CachedProviderOpt) *CachedProvider {
	c := &CachedProvider{
		maxCacheSize: defaultMaxCacheSize,
		cacheTTL:     defaultCacheTTL,
		logger:       logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cache == nil {
		c.allocatedCache = true
		c.cache = ccache.New(ccache.Configure[*batch.Batch]().MaxSize(c.maxCacheSize))
	}
	return c
}

func (c *CachedProvider) Declare(_ context.Context, d *Declaration) error {
	upstream := d.Upstream()
	if upstream == nil {
		return pipelineerrors.InvariantViolation("a cache relays exactly one upstream node, got %d", len(d.Upstreams()))
	}
	for key, s := range upstream.All() {
		if err := d.Provides(key, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *CachedProvider) Provide(ctx context.Context, req *request.BatchRequest, upstreams []Upstream) (*batch.Batch, error) {
	cacheTotalCounter.Inc()

	cacheKey := strconv.FormatUint(req.Hash(), 10)
	if item := c.cache.Get(cacheKey); item != nil && !item.Expired() {
		cacheHitCounter.Inc()
		c.logger.DebugWithContext(ctx, "batch served from cache", zap.String("cache_key", cacheKey))
		return item.Value().Copy(), nil
	}

	b, err := upstreams[0].RequestBatch(ctx, req)
	if err != nil {
		return nil, err
	}

	c.cache.Set(cacheKey, b.Copy(), c.cacheTTL)
	return b, nil
}

// Close will deallocate resources allocated by the CachedProvider.
// It will not deallocate the cache if it has been passed in from WithExistingCache.
func (c *CachedProvider) Close() error {
	if c.allocatedCache {
		c.cache.Stop()
		c.allocatedCache = false
	}
	return nil
}
