package edge

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit = "hit"
	CacheStatusFwd = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache was configured to not handle this request
	// (API traffic, non-GET, or unrecognized resource type).
	CacheStatusFwdBypass = "bypass"

	// The cache did not contain a response that matched the
	// request URI.
	CacheStatusFwdMiss = "miss"
)

// CacheStatus renders the Cache-Status response header
// (RFC 9211 shape, trimmed to the states this cache can be in).
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) Stored(stored bool) {
	cs.stored = stored
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("Salonflow-Edge; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
