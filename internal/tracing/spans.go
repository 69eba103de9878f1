package tracing

// Span attribute keys. These constants define the semantic conventions
// for span attributes across the scheduler service.
const (
	// Tenant attributes
	AttrTenantID = "tenant.id"

	// Workflow attributes
	AttrWorkflowID = "workflow.id"

	// Job attributes
	AttrJobID     = "job.id"
	AttrJobType   = "job.type"
	AttrJobStatus = "job.status"
	AttrBranch    = "branch.name"

	// HTTP attributes
	AttrHTTPMethod = "http.method"
	AttrHTTPRoute  = "http.route"
	AttrHTTPTarget = "http.target"
	AttrHTTPStatus = "http.status_code"
)

// SpanPrefixExecutor prefixes executor run spans, so a cell segmentation
// run appears as "executor.cell_segmentation".
const SpanPrefixExecutor = "executor."

// Event names for span events.
const (
	EventJobDispatched = "job.dispatched"
	EventJobCompleted  = "job.completed"
)
