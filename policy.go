package edge

import (
	"net/http"
	"path"
	"strings"
)

type policy int

const (
	// pass through to the origin with no cache involvement
	policyBypass policy = iota
	// network first, stored shell as fallback
	policyNetworkFirst
	// stored copy first, origin as fallback
	policyCacheFirst
)

// staticDestinations are the Sec-Fetch-Dest values treated as static assets.
var staticDestinations = map[string]struct{}{
	"script": {},
	"style":  {},
	"font":   {},
	"image":  {},
}

// staticExtensions are the file extensions treated as static assets when
// the request carries no fetch metadata. Build tooling fingerprints these,
// so serving them from cache indefinitely is safe.
var staticExtensions = map[string]struct{}{
	".js":    {},
	".css":   {},
	".woff":  {},
	".woff2": {},
	".png":   {},
	".svg":   {},
	".jpg":   {},
	".jpeg":  {},
	".gif":   {},
	".webp":  {},
}

// classify decides the caching policy for a request.
// Precedence: non-GET and API traffic always bypass, then navigations,
// then static assets; everything else bypasses.
func (t *TieredCache) classify(r *http.Request) policy {
	if r.Method != http.MethodGet {
		return policyBypass
	}
	if strings.HasPrefix(r.URL.Path, t.apiPrefix) {
		return policyBypass
	}
	if isNavigation(r) {
		return policyNetworkFirst
	}
	if isStaticAsset(r) {
		return policyCacheFirst
	}
	return policyBypass
}

// isNavigation reports whether the request is a full-page navigation,
// i.e. a browser loading an HTML document.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	// older browsers send no fetch metadata; fall back to content negotiation
	if r.Header.Get("Sec-Fetch-Mode") == "" {
		return strings.Contains(r.Header.Get("Accept"), "text/html")
	}
	return false
}

// isStaticAsset reports whether the request targets a recognized static
// asset type, by declared destination or by extension.
func isStaticAsset(r *http.Request) bool {
	if _, ok := staticDestinations[r.Header.Get("Sec-Fetch-Dest")]; ok {
		return true
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	_, ok := staticExtensions[ext]
	return ok
}
