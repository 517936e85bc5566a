package usage

import "fmt"

// Resource is one tag in the closed set of metered resource kinds.
type Resource string

const (
	RelationalWrites    Resource = "relational_writes"
	RelationalReads     Resource = "relational_reads"
	CacheReads          Resource = "cache_reads"
	CacheWrites         Resource = "cache_writes"
	CacheDeletes        Resource = "cache_deletes"
	CacheLists          Resource = "cache_lists"
	ObjectClassA        Resource = "object_class_a"
	ObjectClassB        Resource = "object_class_b"
	InferenceUnits      Resource = "inference_units"
	InferenceRequests   Resource = "inference_requests"
	QueueMessages       Resource = "queue_messages"
	ComputeRequests     Resource = "compute_requests"
	CPUMs               Resource = "cpu_ms"
	VectorQueries       Resource = "vector_queries"
	VectorInserts       Resource = "vector_inserts"
	DORequests          Resource = "do_requests"
	DOGBSeconds         Resource = "do_gb_seconds"
	WorkflowInvocations Resource = "workflow_invocations"
)

// All lists every known resource tag in a stable order.
var All = []Resource{
	RelationalWrites,
	RelationalReads,
	CacheReads,
	CacheWrites,
	CacheDeletes,
	CacheLists,
	ObjectClassA,
	ObjectClassB,
	InferenceUnits,
	InferenceRequests,
	QueueMessages,
	ComputeRequests,
	CPUMs,
	VectorQueries,
	VectorInserts,
	DORequests,
	DOGBSeconds,
	WorkflowInvocations,
}

var known = func() map[Resource]bool {
	m := make(map[Resource]bool, len(All))
	for _, r := range All {
		m[r] = true
	}
	return m
}()

// Known reports whether r belongs to the closed resource set.
func Known(r Resource) bool { return known[r] }

// Bundle maps resource tags to nonnegative counts for one invocation
// or one aggregation window. Bundles combine by pointwise sum.
type Bundle map[Resource]int64

// Validate rejects unknown tags and negative counts.
func (b Bundle) Validate() error {
	for r, v := range b {
		if !known[r] {
			return fmt.Errorf("unknown resource tag %q", r)
		}
		if v < 0 {
			return fmt.Errorf("resource %s: negative count %d", r, v)
		}
	}
	return nil
}

// Add returns the pointwise sum of b and other. Neither input is mutated.
func (b Bundle) Add(other Bundle) Bundle {
	out := make(Bundle, len(b)+len(other))
	for r, v := range b {
		out[r] = v
	}
	for r, v := range other {
		out[r] += v
	}
	return out
}

// Get returns the count for r, zero when absent.
func (b Bundle) Get(r Resource) int64 { return b[r] }

// Empty reports whether the bundle carries no nonzero counts.
func (b Bundle) Empty() bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
