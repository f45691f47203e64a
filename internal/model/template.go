package model

import "time"

// Template is provider template metadata synced from the messaging API.
// ProviderID is the provider-internal numeric ID required by the send
// endpoint; BusinessID is the per-template WhatsApp business ID required by
// the message-status endpoint.
type Template struct {
	Name          string
	ProviderID    string
	Category      string
	Status        string
	Language      string
	VariableCount int
	BusinessID    *int64
	SyncedAt      time.Time
}

// Approved reports whether the provider has approved the template for sending.
func (t *Template) Approved() bool {
	return t.Status == "Approved"
}
