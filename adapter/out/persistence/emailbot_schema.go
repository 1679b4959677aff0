// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied at startup. Statements are idempotent so repeated
// boots are safe.
const schema = `
CREATE TABLE IF NOT EXISTS emails (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL DEFAULT '',
	sender_address  TEXT NOT NULL,
	sender_name     TEXT NOT NULL DEFAULT '',
	recipient       TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	importance      TEXT NOT NULL DEFAULT 'normal',
	body            TEXT NOT NULL DEFAULT '',
	body_truncated  BOOLEAN NOT NULL DEFAULT FALSE,
	attachments     JSONB NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL DEFAULT 'RECEIVED',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	received_at     TIMESTAMPTZ NOT NULL,
	processed_at    TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_emails_status ON emails (status);
CREATE INDEX IF NOT EXISTS idx_emails_received_at ON emails (received_at);
CREATE INDEX IF NOT EXISTS idx_emails_sender ON emails (sender_address);

CREATE TABLE IF NOT EXISTS classifications (
	id                 BIGSERIAL PRIMARY KEY,
	email_id           TEXT NOT NULL UNIQUE REFERENCES emails(id),
	category           TEXT NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL,
	reasoning          TEXT NOT NULL DEFAULT '',
	urgency            TEXT NOT NULL,
	suggested_action   TEXT NOT NULL DEFAULT '',
	required_expertise TEXT[] NOT NULL DEFAULT '{}',
	estimated_effort   TEXT NOT NULL DEFAULT '',
	model_id           TEXT NOT NULL DEFAULT '',
	prompt_version     TEXT NOT NULL DEFAULT '',
	tokens_used        INTEGER NOT NULL DEFAULT 0,
	feedback_value     TEXT,
	feedback_notes     TEXT,
	feedback_at        TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_classifications_category ON classifications (category);
CREATE INDEX IF NOT EXISTS idx_classifications_created_at ON classifications (created_at);

CREATE TABLE IF NOT EXISTS processing_results (
	id                     BIGSERIAL PRIMARY KEY,
	email_id               TEXT NOT NULL REFERENCES emails(id),
	status                 TEXT NOT NULL,
	started_at             TIMESTAMPTZ NOT NULL,
	completed_at           TIMESTAMPTZ,
	routing_decision       TEXT NOT NULL DEFAULT '',
	action_taken           TEXT NOT NULL DEFAULT '',
	response_sent          BOOLEAN NOT NULL DEFAULT FALSE,
	escalation_created     BOOLEAN NOT NULL DEFAULT FALSE,
	escalation_ref         TEXT,
	processing_time_ms     BIGINT NOT NULL DEFAULT 0,
	classification_time_ms BIGINT NOT NULL DEFAULT 0,
	response_gen_time_ms   BIGINT NOT NULL DEFAULT 0,
	error_message          TEXT NOT NULL DEFAULT '',
	error_stage            TEXT NOT NULL DEFAULT '',
	retry_count            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_processing_email_id ON processing_results (email_id);
CREATE INDEX IF NOT EXISTS idx_processing_status ON processing_results (status);

CREATE TABLE IF NOT EXISTS escalations (
	group_id                TEXT PRIMARY KEY,
	email_id                TEXT NOT NULL UNIQUE REFERENCES emails(id),
	display_name            TEXT NOT NULL,
	description             TEXT NOT NULL DEFAULT '',
	members                 TEXT[] NOT NULL DEFAULT '{}',
	owner                   TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL DEFAULT 'active',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	resolved_at             TIMESTAMPTZ,
	resolution_notes        TEXT NOT NULL DEFAULT '',
	resolution_time_hours   DOUBLE PRECISION NOT NULL DEFAULT 0,
	message_count           INTEGER NOT NULL DEFAULT 0,
	first_response_time_min DOUBLE PRECISION NOT NULL DEFAULT 0,
	engagement_score        DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations (status);

CREATE TABLE IF NOT EXISTS email_patterns (
	pattern_id            TEXT PRIMARY KEY,
	type                  TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	frequency             INTEGER NOT NULL DEFAULT 0,
	first_seen            TIMESTAMPTZ NOT NULL,
	last_seen             TIMESTAMPTZ NOT NULL,
	automation_potential  DOUBLE PRECISION NOT NULL DEFAULT 0,
	sample_email_ids      TEXT[] NOT NULL DEFAULT '{}',
	common_keywords       TEXT[] NOT NULL DEFAULT '{}',
	time_savings_estimate TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_patterns_frequency ON email_patterns (frequency DESC);

CREATE TABLE IF NOT EXISTS performance_metrics (
	id           BIGSERIAL PRIMARY KEY,
	type         TEXT NOT NULL,
	name         TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT '',
	value        DOUBLE PRECISION NOT NULL,
	unit         TEXT NOT NULL DEFAULT '',
	email_id     TEXT,
	window_start TIMESTAMPTZ,
	window_end   TIMESTAMPTZ,
	aggregation  TEXT NOT NULL DEFAULT '',
	tags         JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_metrics_type_created ON performance_metrics (type, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id                BIGSERIAL PRIMARY KEY,
	event_type        TEXT NOT NULL,
	action            TEXT NOT NULL,
	actor_id          TEXT NOT NULL DEFAULT '',
	session_id        TEXT NOT NULL DEFAULT '',
	ip_address        TEXT NOT NULL DEFAULT '',
	user_agent        TEXT NOT NULL DEFAULT '',
	resource_type     TEXT NOT NULL DEFAULT '',
	resource_id       TEXT NOT NULL DEFAULT '',
	success           BOOLEAN NOT NULL DEFAULT TRUE,
	error             TEXT NOT NULL DEFAULT '',
	details           TEXT NOT NULL DEFAULT '',
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	risk_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	requires_review   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events (event_type, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_events (resource_type, resource_id);

CREATE TABLE IF NOT EXISTS security_events (
	id         BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	severity   TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_security_severity ON security_events (severity, created_at);

CREATE TABLE IF NOT EXISTS auth_attempts (
	id         BIGSERIAL PRIMARY KEY,
	identifier TEXT NOT NULL,
	success    BOOLEAN NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_auth_attempts_identifier ON auth_attempts (identifier, created_at);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
