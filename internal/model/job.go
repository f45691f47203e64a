package model

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobPartial    JobStatus = "partial"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status never transitions again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartial, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Recipient is one entry in a job's recipient list. Phone may be empty when
// the recipient references a lead; the dispatcher resolves the number at send
// time.
type Recipient struct {
	Phone  string `json:"phone,omitempty"`
	LeadID *int64 `json:"leadId,omitempty"`
}

// BulkJob is the persistent unit of dispatch work: one template, one variable
// map, many recipients. The recipient list and variables are stored with the
// job so an interrupted run can resume from ProcessedCount alone.
type BulkJob struct {
	ID           string
	Name         string
	TemplateName string
	TemplateType string
	Recipients   []Recipient
	Variables    map[string]string

	TotalRecipients int
	ProcessedCount  int
	SentCount       int
	DeliveredCount  int
	ReadCount       int
	FailedCount     int

	Status JobStatus

	CreatedAt   time.Time
	StartedAt   *time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}
