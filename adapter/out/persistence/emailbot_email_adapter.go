package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"emailbot/core/domain"
	"emailbot/pkg/apperr"
	"emailbot/pkg/crypto"
)

// =============================================================================
// Email Adapter
// =============================================================================

// EmailAdapter implements out.EmailRepository. Bodies are encrypted at
// rest under the key ring.
type EmailAdapter struct {
	db   *sqlx.DB
	keys *crypto.KeyRing
}

// NewEmailAdapter creates a new EmailAdapter.
func NewEmailAdapter(db *sqlx.DB, keys *crypto.KeyRing) *EmailAdapter {
	return &EmailAdapter{db: db, keys: keys}
}

type emailRow struct {
	ID             string       `db:"id"`
	ConversationID string       `db:"conversation_id"`
	SenderAddress  string       `db:"sender_address"`
	SenderName     string       `db:"sender_name"`
	Recipient      string       `db:"recipient"`
	Subject        string       `db:"subject"`
	Importance     string       `db:"importance"`
	Body           string       `db:"body"`
	BodyTruncated  bool         `db:"body_truncated"`
	Attachments    []byte       `db:"attachments"`
	Status         string       `db:"status"`
	RetryCount     int          `db:"retry_count"`
	LastError      string       `db:"last_error"`
	ReceivedAt     time.Time    `db:"received_at"`
	ProcessedAt    sql.NullTime `db:"processed_at"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r *emailRow) toEntity(keys *crypto.KeyRing) (*domain.EmailMessage, error) {
	body, err := keys.DecryptString(r.Body)
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}

	email := &domain.EmailMessage{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderAddress:  r.SenderAddress,
		SenderName:     r.SenderName,
		Recipient:      r.Recipient,
		Subject:        r.Subject,
		Importance:     domain.Importance(r.Importance),
		Body:           body,
		BodyTruncated:  r.BodyTruncated,
		Status:         domain.ProcessingStatus(r.Status),
		RetryCount:     r.RetryCount,
		LastError:      r.LastError,
		ReceivedAt:     r.ReceivedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.ProcessedAt.Valid {
		email.ProcessedAt = &r.ProcessedAt.Time
	}
	if len(r.Attachments) > 0 {
		_ = json.Unmarshal(r.Attachments, &email.Attachments)
	}
	return email, nil
}

// Create inserts the first observation of an email. A duplicate platform
// id is a Conflict; the row is never overwritten.
func (a *EmailAdapter) Create(ctx context.Context, email *domain.EmailMessage) error {
	body, err := a.keys.EncryptString(email.Body)
	if err != nil {
		return apperr.InternalWithError(err)
	}
	attachments, err := json.Marshal(email.Attachments)
	if err != nil {
		return apperr.InternalWithError(err)
	}
	if email.Attachments == nil {
		attachments = []byte("[]")
	}

	query := `
		INSERT INTO emails (id, conversation_id, sender_address, sender_name, recipient,
			subject, importance, body, body_truncated, attachments, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`

	result, err := a.db.ExecContext(ctx, query,
		email.ID, email.ConversationID, email.SenderAddress, email.SenderName, email.Recipient,
		email.Subject, string(email.Importance), body, email.BodyTruncated, attachments,
		string(email.Status), email.ReceivedAt.UTC(),
	)
	if err != nil {
		return apperr.DatabaseError("create email", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.Conflict("email already stored: " + email.ID)
	}
	return nil
}

// GetByID retrieves one email.
func (a *EmailAdapter) GetByID(ctx context.Context, id string) (*domain.EmailMessage, error) {
	var row emailRow
	query := `SELECT * FROM emails WHERE id = $1`

	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("email")
		}
		return nil, apperr.DatabaseError("get email", err)
	}
	return row.toEntity(a.keys)
}

// Exists reports whether the id is already stored.
func (a *EmailAdapter) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM emails WHERE id = $1)`

	if err := a.db.GetContext(ctx, &exists, query, id); err != nil {
		return false, apperr.DatabaseError("email exists", err)
	}
	return exists, nil
}

// UpdateStatus moves the pipeline state forward.
func (a *EmailAdapter) UpdateStatus(ctx context.Context, id string, status domain.ProcessingStatus, lastError string) error {
	query := `UPDATE emails SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query, id, string(status), lastError)
	if err != nil {
		return apperr.DatabaseError("update email status", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound("email")
	}
	return nil
}

// MarkProcessed stamps a terminal status.
func (a *EmailAdapter) MarkProcessed(ctx context.Context, id string, status domain.ProcessingStatus, processedAt time.Time) error {
	query := `UPDATE emails SET status = $2, processed_at = $3, updated_at = NOW() WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query, id, string(status), processedAt.UTC())
	if err != nil {
		return apperr.DatabaseError("mark email processed", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound("email")
	}
	return nil
}

// IncrementRetry bumps the persisted retry counter.
func (a *EmailAdapter) IncrementRetry(ctx context.Context, id string) error {
	query := `UPDATE emails SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1`

	if _, err := a.db.ExecContext(ctx, query, id); err != nil {
		return apperr.DatabaseError("increment retry", err)
	}
	return nil
}

// HighWatermark returns the newest received timestamp the mail fetch
// may move past. The oldest non-terminal email pins the watermark just
// below itself so interrupted work is re-fetched; only with no
// non-terminal rows does the newest terminal timestamp win.
func (a *EmailAdapter) HighWatermark(ctx context.Context) (time.Time, error) {
	var watermark sql.NullTime
	query := `
		SELECT COALESCE(
			(SELECT MIN(received_at) - INTERVAL '1 millisecond' FROM emails
				WHERE status NOT IN ('COMPLETED', 'FAILED')),
			(SELECT MAX(received_at) FROM emails WHERE status IN ('COMPLETED', 'FAILED'))
		)`

	if err := a.db.GetContext(ctx, &watermark, query); err != nil {
		return time.Time{}, apperr.DatabaseError("high watermark", err)
	}
	if !watermark.Valid {
		return time.Time{}, nil
	}
	return watermark.Time, nil
}

// ListByStatus returns emails in one status, oldest first.
func (a *EmailAdapter) ListByStatus(ctx context.Context, status domain.ProcessingStatus, limit int) ([]*domain.EmailMessage, error) {
	var rows []emailRow
	query := `SELECT * FROM emails WHERE status = $1 ORDER BY received_at ASC LIMIT $2`

	if err := a.db.SelectContext(ctx, &rows, query, string(status), limit); err != nil {
		return nil, apperr.DatabaseError("list emails", err)
	}

	emails := make([]*domain.EmailMessage, 0, len(rows))
	for i := range rows {
		email, err := rows[i].toEntity(a.keys)
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, nil
}

// CountByStatus returns row counts grouped by status.
func (a *EmailAdapter) CountByStatus(ctx context.Context) (map[domain.ProcessingStatus]int, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM emails GROUP BY status`)
	if err != nil {
		return nil, apperr.DatabaseError("count emails", err)
	}
	defer rows.Close()

	counts := make(map[domain.ProcessingStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperr.DatabaseError("count emails", err)
		}
		counts[domain.ProcessingStatus(strings.ToUpper(status))] = count
	}
	return counts, rows.Err()
}
