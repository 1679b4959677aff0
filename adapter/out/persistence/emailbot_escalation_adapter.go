package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"emailbot/core/domain"
	"emailbot/pkg/apperr"
)

// =============================================================================
// Escalation Adapter
// =============================================================================

// EscalationAdapter implements out.EscalationRepository.
type EscalationAdapter struct {
	db *sqlx.DB
}

// NewEscalationAdapter creates a new EscalationAdapter.
func NewEscalationAdapter(db *sqlx.DB) *EscalationAdapter {
	return &EscalationAdapter{db: db}
}

type escalationRow struct {
	GroupID              string         `db:"group_id"`
	EmailID              string         `db:"email_id"`
	DisplayName          string         `db:"display_name"`
	Description          string         `db:"description"`
	Members              pq.StringArray `db:"members"`
	Owner                string         `db:"owner"`
	Status               string         `db:"status"`
	CreatedAt            time.Time      `db:"created_at"`
	ResolvedAt           sql.NullTime   `db:"resolved_at"`
	ResolutionNotes      string         `db:"resolution_notes"`
	ResolutionTimeHours  float64        `db:"resolution_time_hours"`
	MessageCount         int            `db:"message_count"`
	FirstResponseTimeMin float64        `db:"first_response_time_min"`
	EngagementScore      float64        `db:"engagement_score"`
}

func (r *escalationRow) toEntity() *domain.EscalationGroup {
	group := &domain.EscalationGroup{
		GroupID:              r.GroupID,
		EmailID:              r.EmailID,
		DisplayName:          r.DisplayName,
		Description:          r.Description,
		Members:              r.Members,
		Owner:                r.Owner,
		Status:               domain.EscalationStatus(r.Status),
		CreatedAt:            r.CreatedAt,
		ResolutionNotes:      r.ResolutionNotes,
		ResolutionTimeHours:  r.ResolutionTimeHours,
		MessageCount:         r.MessageCount,
		FirstResponseTimeMin: r.FirstResponseTimeMin,
		EngagementScore:      r.EngagementScore,
	}
	if r.ResolvedAt.Valid {
		group.ResolvedAt = &r.ResolvedAt.Time
	}
	return group
}

// Create stores a new escalation group. One group per email; a second
// insert for the same email is a Conflict.
func (a *EscalationAdapter) Create(ctx context.Context, group *domain.EscalationGroup) error {
	query := `
		INSERT INTO escalations (group_id, email_id, display_name, description, members,
			owner, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email_id) DO NOTHING`

	result, err := a.db.ExecContext(ctx, query,
		group.GroupID, group.EmailID, group.DisplayName, group.Description,
		pq.Array(group.Members), group.Owner, string(group.Status), group.CreatedAt.UTC(),
	)
	if err != nil {
		return apperr.DatabaseError("create escalation", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.Conflict("escalation already exists for email: " + group.EmailID)
	}
	return nil
}

// GetByGroupID retrieves one escalation by its chat-platform group id.
func (a *EscalationAdapter) GetByGroupID(ctx context.Context, groupID string) (*domain.EscalationGroup, error) {
	var row escalationRow
	query := `SELECT * FROM escalations WHERE group_id = $1`

	if err := a.db.GetContext(ctx, &row, query, groupID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("escalation")
		}
		return nil, apperr.DatabaseError("get escalation", err)
	}
	return row.toEntity(), nil
}

// GetByEmailID retrieves the escalation for one email.
func (a *EscalationAdapter) GetByEmailID(ctx context.Context, emailID string) (*domain.EscalationGroup, error) {
	var row escalationRow
	query := `SELECT * FROM escalations WHERE email_id = $1`

	if err := a.db.GetContext(ctx, &row, query, emailID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("escalation")
		}
		return nil, apperr.DatabaseError("get escalation", err)
	}
	return row.toEntity(), nil
}

// ListActive returns unresolved escalations, newest first.
func (a *EscalationAdapter) ListActive(ctx context.Context) ([]*domain.EscalationGroup, error) {
	var rows []escalationRow
	query := `SELECT * FROM escalations WHERE status = $1 ORDER BY created_at DESC`

	if err := a.db.SelectContext(ctx, &rows, query, string(domain.EscalationActive)); err != nil {
		return nil, apperr.DatabaseError("list active escalations", err)
	}

	groups := make([]*domain.EscalationGroup, 0, len(rows))
	for i := range rows {
		groups = append(groups, rows[i].toEntity())
	}
	return groups, nil
}

// Update rewrites the mutable lifecycle and engagement fields.
func (a *EscalationAdapter) Update(ctx context.Context, group *domain.EscalationGroup) error {
	var resolvedAt any
	if group.ResolvedAt != nil {
		resolvedAt = group.ResolvedAt.UTC()
	}

	query := `
		UPDATE escalations
		SET status = $2, resolved_at = $3, resolution_notes = $4, resolution_time_hours = $5,
			message_count = $6, first_response_time_min = $7, engagement_score = $8
		WHERE group_id = $1`

	result, err := a.db.ExecContext(ctx, query,
		group.GroupID, string(group.Status), resolvedAt, group.ResolutionNotes,
		group.ResolutionTimeHours, group.MessageCount, group.FirstResponseTimeMin, group.EngagementScore,
	)
	if err != nil {
		return apperr.DatabaseError("update escalation", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound("escalation")
	}
	return nil
}
