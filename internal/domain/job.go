// Package domain defines the core scheduling and admission types shared by
// every QuotaGate component: jobs, models, job types, pools, and the
// reservations the admission layer hands out.
package domain

import "time"

// JobStatus is the lifecycle state of a submitted Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Usage reports actual token consumption for a completed job, broken down
// the way provider responses usually report it.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// TotalTokens sums all three token dimensions.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.CachedTokens + u.OutputTokens
}

// Outcome is what a job callback reports back once it finishes executing
// against a provider: how many requests it actually made and how many
// tokens it actually consumed.
type Outcome struct {
	RequestCount int64 `json:"request_count"`
	Usage        Usage `json:"usage"`
}

// JobContext is handed to a job's callback once a model has been selected
// for it; it tells the callback which model it is running against. Partial
// usage is reported early through the resolve callback passed alongside it.
type JobContext struct {
	ModelID string
}

// JobFunc is user-supplied work. It receives the context the admitted
// reservation was made under and a resolve callback it may call to report
// token usage before returning (useful for streaming responses); its return
// value is the final Outcome used for release accounting.
type JobFunc func(ctx JobContext, resolve func(Usage)) (Outcome, error)

// Job is a single unit of user work submitted to the Scheduler.
type Job struct {
	ID         string
	JobTypeID  string
	Run        JobFunc
	Status      JobStatus
	ModelUsed   string
	StartedAt   time.Time
	CompletedAt time.Time
}

// JobResult is returned to the caller of Scheduler.QueueJob once the job has
// reached a terminal state.
type JobResult struct {
	ModelUsed    string    `json:"model_used"`
	RequestCount int64     `json:"request_count"`
	Usage        Usage     `json:"usage"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	ModelsTried  []string  `json:"models_tried"`
}

// OverageEvent is emitted whenever a job's actual usage for a dimension
// exceeds what was reserved for it; overage is always counted against the
// window, never refunded.
type OverageEvent struct {
	ModelID      string    `json:"model_id"`
	JobTypeID    string    `json:"job_type_id"`
	ResourceType string    `json:"resource_type"` // "tokens" or "requests"
	Estimated    int64     `json:"estimated"`
	Actual       int64     `json:"actual"`
	Overage      int64     `json:"overage"`
	Timestamp    time.Time `json:"timestamp"`
}
