package streams

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chaintv/internal/logging"
	"chaintv/internal/metrics"
)

// Source loads descriptors from the backend.
type Source interface {
	GetStream(ctx context.Context, playbackID string) (*Descriptor, error)
}

type cacheEntry struct {
	desc     *Descriptor
	loadedAt time.Time
}

// Fetcher is a read-mostly descriptor cache. Concurrent loads of the same id
// share one backend request. Failures are not cached and not retried.
type Fetcher struct {
	src Source
	ttl time.Duration

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
	gen   map[string]uint64 // bumped by Invalidate
}

// NewFetcher creates a fetcher. A ttl of zero disables caching; single-flight
// still applies.
func NewFetcher(src Source, ttl time.Duration) *Fetcher {
	return &Fetcher{
		src:   src,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
		gen:   make(map[string]uint64),
	}
}

// Load returns the descriptor for playbackID.
func (f *Fetcher) Load(ctx context.Context, playbackID string) (*Descriptor, error) {
	if d, ok := f.cached(playbackID); ok {
		metrics.StreamFetchTotal.WithLabelValues("hit").Inc()
		return d, nil
	}

	ch := f.group.DoChan(playbackID, func() (interface{}, error) {
		f.mu.RLock()
		gen := f.gen[playbackID]
		f.mu.RUnlock()

		// detached so one caller's cancellation does not fail the joiners
		d, err := f.src.GetStream(context.WithoutCancel(ctx), playbackID)
		if err != nil {
			return nil, err
		}
		if f.ttl > 0 {
			f.mu.Lock()
			// An Invalidate during the request means d may be stale.
			if f.gen[playbackID] == gen {
				f.cache[playbackID] = cacheEntry{desc: d, loadedAt: time.Now()}
			}
			f.mu.Unlock()
		}
		return d, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			switch {
			case errors.Is(res.Err, ErrNotFound):
				metrics.StreamFetchTotal.WithLabelValues("not_found").Inc()
			default:
				metrics.StreamFetchTotal.WithLabelValues("error").Inc()
				logging.Backend.Warn().Err(res.Err).Str("playback_id", playbackID).Msg("stream fetch failed")
			}
			return nil, res.Err
		}
		if res.Shared {
			metrics.StreamFetchTotal.WithLabelValues("shared").Inc()
		} else {
			metrics.StreamFetchTotal.WithLabelValues("fetched").Inc()
		}
		return res.Val.(*Descriptor), nil
	}
}

func (f *Fetcher) cached(playbackID string) (*Descriptor, bool) {
	if f.ttl <= 0 {
		return nil, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.cache[playbackID]
	if !ok || time.Since(e.loadedAt) > f.ttl {
		return nil, false
	}
	return e.desc, true
}

// Invalidate drops the cached descriptor so the next Load hits the backend.
func (f *Fetcher) Invalidate(playbackID string) {
	f.mu.Lock()
	delete(f.cache, playbackID)
	f.gen[playbackID]++
	f.mu.Unlock()
	f.group.Forget(playbackID)
}
