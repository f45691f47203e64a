package model

import "time"

type SendStatus string

const (
	SendSent      SendStatus = "sent"
	SendDelivered SendStatus = "delivered"
	SendRead      SendStatus = "read"
	SendFailed    SendStatus = "failed"
)

// MessageSend is one row per send attempt. Written once by the dispatcher at
// send time; only the status reconciler mutates it afterwards, and only
// forwards (sent -> delivered -> read, or sent -> failed).
type MessageSend struct {
	ID           int64
	JobID        string
	LeadID       *int64
	Phone        string
	TemplateName string
	Variables    map[string]string

	// WAMessageID is assigned by the provider on a successful send.
	WAMessageID *string

	Status       SendStatus
	SentAt       *time.Time
	DeliveredAt  *time.Time
	ReadAt       *time.Time
	ErrorMessage *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
