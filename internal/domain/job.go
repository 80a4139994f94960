package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job in this status can never transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// AdapterRef names a LoRA adapter together with its requested composition
// weight. A zero weight means "use the adapter's recommended weight".
type AdapterRef struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// ConditioningImage carries decoded binary image data used to steer a
// generation (logo overlay or background reference).
type ConditioningImage struct {
	Data     []byte
	Format   string
	Width    int
	Height   int
	Strength float64
}

// Result references the persisted output of a completed job.
type Result struct {
	ImagePath        string       `json:"image_path"`
	ImageURL         string       `json:"image_url"`
	Seed             int64        `json:"seed"`
	Width            int          `json:"width"`
	Height           int          `json:"height"`
	Steps            int          `json:"steps"`
	Adapters         []AdapterRef `json:"adapters"`
	GenerationTimeMS int64        `json:"generation_time_ms"`
}

// Job tracks one generation request from submission to terminal outcome.
// Once the status is terminal the record is never mutated again.
type Job struct {
	ID          string     `json:"id"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	TotalSteps  int        `json:"total_steps"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Clone returns a deep copy so concurrent readers never alias worker-owned
// state.
func (j Job) Clone() Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Result != nil {
		res := *j.Result
		res.Adapters = append([]AdapterRef(nil), j.Result.Adapters...)
		out.Result = &res
	}
	return out
}
