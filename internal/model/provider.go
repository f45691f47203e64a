package model

import "time"

// SendResult is the provider's answer to a single templated send.
type SendResult struct {
	Success      bool
	WAMessageID  string
	ErrorMessage string
	StatusCode   int
}

// MessageStatusInfo is the provider's current knowledge about a sent message.
// Any field may be unset: the provider reports delivery and read receipts
// asynchronously, often minutes after the send.
type MessageStatusInfo struct {
	MessageStatus string
	DeliveredTime *time.Time
	ReadTime      *time.Time
	FailedTime    *time.Time
	FailedReason  string
}
