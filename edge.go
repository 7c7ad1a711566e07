package edge

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/salonflow/edge/cache"

	"github.com/rs/zerolog"
)

const (
	staticBucketPrefix = "salonflow-static-"
	htmlBucketPrefix   = "salonflow-html-"

	defaultAPIPrefix = "/api/"
	defaultVersion   = "v1"
)

type Config struct {
	// Storage for cache buckets.
	Cache cache.BucketProvider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Path prefix for live-data API traffic, never cached.
	// Defaults to "/api/".
	APIPrefix string
	// Version suffix for the bucket names.
	// Bumping the version discards the previous cache generation on startup.
	// Defaults to "v1".
	Version string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// TieredCache is an http.Handler in front of a remote origin.
// Every GET request is routed through one of three policies:
// API traffic is passed through uncached, full-page navigations are
// network-first with a cached fallback, and static assets are cache-first.
// Anything else (including all non-GET requests) goes straight to the origin.
type TieredCache struct {
	cache        cache.BucketProvider
	originURL    *url.URL
	apiPrefix    string
	staticBucket string
	htmlBucket   string
	log          zerolog.Logger
	client       http.Client
}

// New initializes the tiered cache instance.
// It pre-creates the static bucket and drops every bucket left over
// from a previous cache generation.
func New(config Config) (*TieredCache, error) {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	apiPrefix := config.APIPrefix
	if apiPrefix == "" {
		apiPrefix = defaultAPIPrefix
	}
	version := config.Version
	if version == "" {
		version = defaultVersion
	}

	t := &TieredCache{
		cache:        config.Cache,
		originURL:    &config.OriginURL,
		apiPrefix:    apiPrefix,
		staticBucket: staticBucketPrefix + version,
		htmlBucket:   htmlBucketPrefix + version,
		log:          logger,
		client: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: 30 * time.Second,
		},
	}

	if err := t.Install(); err != nil {
		return nil, err
	}
	if err := t.Activate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Install eagerly opens the static asset bucket.
func (t *TieredCache) Install() error {
	return t.cache.Open(t.staticBucket)
}

// Activate drops every bucket whose name is not in the current
// two-name allow-list. Bumping the version suffix on deploy causes the
// previous generation to be discarded wholesale here.
func (t *TieredCache) Activate() error {
	names, err := t.cache.Buckets()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name != t.staticBucket && name != t.htmlBucket {
			t.log.Debug().Str("bucket", name).Msg("Dropping stale cache bucket")
			if err := t.cache.DropBucket(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// ServeHTTP implements the http.Handler interface.
func (t *TieredCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch t.classify(r) {
	case policyNetworkFirst:
		t.networkFirst(w, r)
	case policyCacheFirst:
		t.cacheFirst(w, r)
	default:
		cs := CacheStatus{}
		cs.Forward(CacheStatusFwdBypass)
		if err := t.bypass(w, r, cs); err != nil {
			t.log.Error().Err(err).Str("path", r.URL.Path).Msg("Could not reach origin")
			http.Error(w, "Could not get response", http.StatusBadGateway)
		}
	}
}

// cacheFirst serves the stored copy if one exists, otherwise fetches
// from the origin and stores a copy on the way out.
func (t *TieredCache) cacheFirst(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)
	if b, ok, err := t.cache.Get(t.staticBucket, key); err != nil {
		t.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
	} else if ok {
		res, err := bytesToResponse(b)
		if err != nil {
			// corrupted entry: drop it and fall through to the origin
			t.log.Error().Err(err).Str("key", key).Msg("Could not decode cached response")
			t.cache.Purge(t.staticBucket, key)
		} else {
			t.log.Trace().Str("key", key).Msg("Cache hit and serving")
			cs := CacheStatus{}
			cs.Hit()
			t.send(w, res, cs)
			return
		}
	}
	t.fetchAndStore(w, r, t.staticBucket)
}

// networkFirst always asks the origin first and keeps the shell bucket
// fresh; the stored copy is only used when the origin is unreachable.
func (t *TieredCache) networkFirst(w http.ResponseWriter, r *http.Request) {
	res, err := t.fetch(r)
	if err != nil {
		key := cacheKey(r)
		if b, ok, cerr := t.cache.Get(t.htmlBucket, key); cerr == nil && ok {
			if cached, derr := bytesToResponse(b); derr == nil {
				t.log.Debug().Str("key", key).Msg("Origin unreachable, serving cached shell")
				cs := CacheStatus{}
				cs.Hit()
				cs.Detail("fallback")
				t.send(w, cached, cs)
				return
			}
		}
		t.log.Error().Err(err).Str("path", r.URL.Path).Msg("Could not reach origin and no cached shell")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	t.storeAndSend(w, r, res, t.htmlBucket)
}

// fetchAndStore fetches the resource from the origin, stores a copy in
// the given bucket and sends the response to the client.
func (t *TieredCache) fetchAndStore(w http.ResponseWriter, r *http.Request, bucket string) {
	res, err := t.fetch(r)
	if err != nil {
		t.log.Error().Err(err).Str("path", r.URL.Path).Msg("Could not reach origin")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	t.storeAndSend(w, r, res, bucket)
}

// storeAndSend writes the response to the bucket (best effort) and
// sends it to the client. Only HTTP 200 responses are stored; a failed
// cache write never blocks the response.
func (t *TieredCache) storeAndSend(w http.ResponseWriter, r *http.Request, res *http.Response, bucket string) {
	key := cacheKey(r)
	if res.StatusCode == http.StatusOK {
		if b, err := responseToBytes(res); err != nil {
			t.log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		} else if err := t.cache.Put(bucket, key, b); err != nil {
			t.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		} else {
			t.log.Trace().Str("key", key).Str("bucket", bucket).Msg("Cache write")
		}
	}
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdMiss)
	cs.Stored(res.StatusCode == http.StatusOK)
	t.send(w, res, cs)
}

// fetch the resource specified in the incoming request from the origin
func (t *TieredCache) fetch(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequest(r.Method, t.originURL.String()+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Host = t.originURL.Host
	return t.client.Do(req)
}

// bypass pipes the original request through to the origin and
// immediately responds to the client, with no cache involvement.
func (t *TieredCache) bypass(w http.ResponseWriter, r *http.Request, cs CacheStatus) error {
	res, err := t.fetch(r)
	if err != nil {
		return err
	}
	return t.send(w, res, cs)
}

func (t *TieredCache) send(w http.ResponseWriter, res *http.Response, cs CacheStatus) error {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	_, err := io.Copy(w, res.Body)
	if err != nil {
		t.log.Error().Err(err).Msg("Could not write response body to client")
	}
	return err
}

// cacheKey returns the cache key for a request within a bucket.
// Requests are identified by their full URI including the query string.
func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// strip forwarding headers added by an upstream proxy,
		// some origins reject requests carrying them
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
