package out

import (
	"context"
	"time"

	"emailbot/core/domain"
)

// MailGateway is the outbound port to the mail platform.
// Implementations normalize platform payloads into domain.EmailMessage
// and retry transient failures internally up to the configured budget.
type MailGateway interface {
	// FetchUnread returns unread messages received at or after since,
	// oldest first, capped at limit.
	FetchUnread(ctx context.Context, since time.Time, limit int) ([]*domain.EmailMessage, error)

	// SendReply sends a reply on the thread of the given message.
	SendReply(ctx context.Context, emailID, body string) error

	// MarkRead flags a message read. Tolerates "already read".
	MarkRead(ctx context.Context, emailID string) error
}
