package tracing

import "github.com/elastic/go-freelru"

// stackCacheSize bounds the stack-id dedup cache. Hot code repeats the
// same kernel stack ids at sampling frequency, so a small cache absorbs
// most map lookups.
const stackCacheSize = 512

type cachedResolver struct {
	inner stackResolver
	cache *freelru.LRU[int32, []uint64]
}

// newCachedResolver wraps a resolver with an LRU keyed by stack id.
func newCachedResolver(inner stackResolver) stackResolver {
	cache, err := freelru.New[int32, []uint64](stackCacheSize, func(id int32) uint32 {
		return uint32(id)
	})
	if err != nil {
		return inner
	}
	return &cachedResolver{inner: inner, cache: cache}
}

func (r *cachedResolver) FramesFor(stackID int32) ([]uint64, error) {
	if frames, ok := r.cache.Get(stackID); ok {
		return frames, nil
	}
	frames, err := r.inner.FramesFor(stackID)
	if err != nil {
		return nil, err
	}
	r.cache.Add(stackID, frames)
	return frames, nil
}
