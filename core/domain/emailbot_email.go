package domain

import (
	"time"
)

// ProcessingStatus is the lifecycle state of an email inside the pipeline.
type ProcessingStatus string

const (
	StatusReceived    ProcessingStatus = "RECEIVED"
	StatusValidating  ProcessingStatus = "VALIDATING"
	StatusClassifying ProcessingStatus = "CLASSIFYING"
	StatusAnalyzing   ProcessingStatus = "ANALYZING"
	StatusRouting     ProcessingStatus = "ROUTING"
	StatusResponding  ProcessingStatus = "RESPONDING"
	StatusEscalating  ProcessingStatus = "ESCALATING"
	StatusCompleted   ProcessingStatus = "COMPLETED"
	StatusFailed      ProcessingStatus = "FAILED"
)

// Terminal reports whether the status ends the lifecycle.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the closed set of statuses.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusReceived, StatusValidating, StatusClassifying, StatusAnalyzing,
		StatusRouting, StatusResponding, StatusEscalating, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Importance mirrors the mail platform's importance flag.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// Attachment is attachment metadata. Content is never fetched.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// EmailMessage is one monitored mailbox message. The id is the opaque
// message id assigned by the mail platform and is unique per message.
type EmailMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Headers
	SenderAddress string     `json:"sender_address"`
	SenderName    string     `json:"sender_name,omitempty"`
	Recipient     string     `json:"recipient"`
	Subject       string     `json:"subject"`
	Importance    Importance `json:"importance"`

	// Content
	Body          string       `json:"body"`
	HTMLBody      string       `json:"html_body,omitempty"`
	BodyTruncated bool         `json:"body_truncated"`
	Attachments   []Attachment `json:"attachments,omitempty"`

	// Pipeline state, mutated only by the orchestrator.
	Status     ProcessingStatus `json:"status"`
	RetryCount int              `json:"retry_count"`
	LastError  string           `json:"last_error,omitempty"`

	// Timestamps
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MarkTerminal moves the email into a terminal status and stamps the
// processed timestamp. ProcessedAt is set iff the status is terminal.
func (e *EmailMessage) MarkTerminal(status ProcessingStatus, now time.Time) {
	e.Status = status
	e.ProcessedAt = &now
}

// TruncateBody caps the body at maxLen runes and records the cut.
// Truncation is an auditable decision, never silent.
func (e *EmailMessage) TruncateBody(maxLen int) bool {
	if maxLen <= 0 || len(e.Body) <= maxLen {
		return false
	}
	e.Body = e.Body[:maxLen]
	e.BodyTruncated = true
	return true
}
