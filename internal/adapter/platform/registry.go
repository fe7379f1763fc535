package platform

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/xjanova/postx-agent/internal/domain"
	"github.com/xjanova/postx-agent/internal/service/ratelimiter"
)

// Options configure adapter construction.
type Options struct {
	// BaseURLs maps a platform to its API gateway. Missing entries run the
	// adapter in echo mode (dev/test).
	BaseURLs map[domain.Platform]string
	// Limiter is the cross-slot token bucket; nil disables gating.
	Limiter ratelimiter.Limiter
	// HTTPTimeout bounds each adapter REST call.
	HTTPTimeout time.Duration
}

// perPlatformLimits captures each network's content constraints.
var perPlatformLimits = map[domain.Platform]contentLimits{
	domain.PlatformFacebook:  {maxTextLen: 63206, maxHashtags: 30},
	domain.PlatformInstagram: {maxTextLen: 2200, maxHashtags: 30},
	domain.PlatformTikTok:    {maxTextLen: 2200, maxHashtags: 20},
	domain.PlatformTwitter:   {maxTextLen: 280, maxHashtags: 5, hashtagsInline: true},
	domain.PlatformLine:      {maxTextLen: 5000, maxHashtags: 20},
	domain.PlatformYouTube:   {maxTextLen: 5000, maxHashtags: 15},
	domain.PlatformThreads:   {maxTextLen: 500, maxHashtags: 5, hashtagsInline: true},
	domain.PlatformLinkedIn:  {maxTextLen: 3000, maxHashtags: 10},
	domain.PlatformPinterest: {maxTextLen: 500, maxHashtags: 10},
}

// Registry maps platform tags to adapter constructors and caches instances.
type Registry struct {
	opts     Options
	mu       sync.Mutex
	adapters map[domain.Platform]domain.PlatformAdapter
}

// NewRegistry builds a registry for all supported platforms.
func NewRegistry(opts Options) *Registry {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	return &Registry{
		opts:     opts,
		adapters: make(map[domain.Platform]domain.PlatformAdapter, len(domain.Platforms())),
	}
}

// For returns the adapter for a platform, constructing it on first use.
func (r *Registry) For(p domain.Platform) (domain.PlatformAdapter, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("op=platform.Registry.For platform=%s: %w", p, domain.ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[p]; ok {
		return a, nil
	}
	a := &restAdapter{
		platform: p,
		baseURL:  r.opts.BaseURLs[p],
		client:   &http.Client{Timeout: r.opts.HTTPTimeout},
		limiter:  r.opts.Limiter,
		limits:   perPlatformLimits[p],
	}
	r.adapters[p] = a
	return a, nil
}
