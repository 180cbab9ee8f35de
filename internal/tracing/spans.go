package tracing

// Span attribute keys for scheduler tracing.
const (
	AttrTaskID    = "task.id"
	AttrTaskLabel = "task.label"
	AttrPriority  = "task.priority"
	AttrUserID    = "user.id"
	AttrMemCubeID = "memcube.id"
	AttrStreamKey = "stream.key"
	AttrBatchSize = "batch.size"
	AttrQueueWait = "queue.wait_ms"

	AttrErrorMessage = "error.message"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixSubmit  = "scheduler.submit."
	SpanPrefixHandler = "handler."
	SpanPrefixQueue   = "queue."
)
