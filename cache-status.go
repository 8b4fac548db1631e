package cacheproxy

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache did not contain a live response for the request path.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The request method is not handled by the cache.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"
)

// CacheStatus describes how a single request was served.
// It is used for logging and metrics only, never sent to the client.
type CacheStatus struct {
	Status    CacheStatusStatus
	FwdReason CacheStatusFwdReason
	// Stored is set when the response was written to the cache.
	Stored bool
	// Shared is set when the response came from another request's in-flight fetch.
	Shared bool
}

func (cs *CacheStatus) Hit() {
	cs.Status = CacheStatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.Status = CacheStatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("cache-proxy; %s", cs.Status)
	if cs.Status == CacheStatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status += "; stored"
	}
	if cs.Shared {
		status += "; collapsed"
	}
	return status
}
