package constants

const (
	ContextRequestIdKey   = "request_id"  // generated per request, correlates logs, headers and session events
	ContextSessionIDKey   = "session_id"  // correlates a request with its recorder session
	ContextTraceParentKey = "traceparent" // propagated W3C trace context
)
