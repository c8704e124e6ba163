package client

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// NewCachingTransport returns a transport that honours Cache-Control on
// responses. The server marks finished runs and their events immutable, so
// replaying a finished run is served from cache. An empty cacheDir keeps
// the cache in memory.
func NewCachingTransport(cacheDir string) *httpcache.Transport {
	if cacheDir == "" {
		return httpcache.NewMemoryCacheTransport()
	}

	return httpcache.NewTransport(diskcache.New(cacheDir))
}

// NewCachingHTTPClient creates an HTTP client with a caching transport.
func NewCachingHTTPClient(cacheDir string) *http.Client {
	return &http.Client{Transport: NewCachingTransport(cacheDir)}
}
