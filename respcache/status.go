package respcache

const cacheStatusHeader = "Cache-Status"

// cacheName identifies this cache in Cache-Status header values.
const cacheName = "respcache"

// Cache-Status values, RFC 9211.
const (
	statusHit       = cacheName + "; hit"
	statusStored    = cacheName + "; fwd=miss; stored"
	statusMiss      = cacheName + "; fwd=miss"
	statusCollapsed = cacheName + "; fwd=miss; collapsed"
	statusBypass    = cacheName + "; fwd=bypass"
	statusMethod    = cacheName + "; fwd=method"

	// the request's own Cache-Control prevented serving a stored response
	statusRequest       = cacheName + "; fwd=request"
	statusRequestStored = cacheName + "; fwd=request; stored"
)
