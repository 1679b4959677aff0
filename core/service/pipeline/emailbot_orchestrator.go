// Package pipeline drives each email through the processing state machine.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/core/service/classify"
	"emailbot/core/service/escalate"
	"emailbot/core/service/respond"
	"emailbot/core/service/route"
	"emailbot/core/service/security"
	"emailbot/pkg/apperr"
	"emailbot/pkg/logger"
	"emailbot/pkg/metrics"
	"emailbot/pkg/ratelimit"
)

// Config holds orchestrator tunables.
type Config struct {
	BatchSize         int
	Workers           int // bounded concurrency within a cycle
	RetryAttempts     int
	RetryDelay        time.Duration
	MaxProcessingTime time.Duration // per-email wall clock
}

// CycleSummary reports one polling cycle.
type CycleSummary struct {
	Fetched   int           `json:"fetched"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// Stores groups the persistence ports the orchestrator writes to.
// Archive may be nil; raw bodies are then not retained.
type Stores struct {
	Emails          out.EmailRepository
	Classifications out.ClassificationRepository
	Processing      out.ProcessingRepository
	Escalations     out.EscalationRepository
	Metrics         out.MetricRepository
	Audit           out.AuditRepository
	Archive         out.BodyArchive
}

// Orchestrator owns the per-message state machine. Stage transitions are
// persisted before the next stage begins; emails are processed at most
// once to completion.
type Orchestrator struct {
	cfg    Config
	mail   out.MailGateway
	stores Stores
	cache  out.Cache

	classifier *classify.Classifier
	router     *route.Router
	responder  *respond.Responder
	escalator  *escalate.Escalator
	screener   *security.Screener

	limiter *ratelimit.SlidingWindowLimiter
	latency *metrics.LatencyRegistry
	log     *logger.Logger
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(
	cfg Config,
	mail out.MailGateway,
	stores Stores,
	cache out.Cache,
	classifier *classify.Classifier,
	router *route.Router,
	responder *respond.Responder,
	escalator *escalate.Escalator,
	screener *security.Screener,
	limiter *ratelimit.SlidingWindowLimiter,
	log *logger.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Orchestrator{
		cfg:        cfg,
		mail:       mail,
		stores:     stores,
		cache:      cache,
		classifier: classifier,
		router:     router,
		responder:  responder,
		escalator:  escalator,
		screener:   screener,
		limiter:    limiter,
		latency:    metrics.NewLatencyRegistry(1000),
		log:        log,
	}
}

// RunCycle fetches one batch past the high-watermark and processes it
// with bounded concurrency. The watermark advances implicitly: only
// messages that reach a terminal status are marked read on the platform.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleSummary, error) {
	start := time.Now()
	summary := &CycleSummary{}

	if o.limiter != nil {
		if res := o.limiter.Allow(ctx, "email_processing"); !res.Allowed {
			return summary, apperr.RateLimited("email_processing").WithDetail("retry_after", res.RetryAfter.String())
		}
	}

	watermark, err := o.stores.Emails.HighWatermark(ctx)
	if err != nil {
		return summary, apperr.DatabaseError("high watermark", err)
	}

	emails, err := o.mail.FetchUnread(ctx, watermark, o.cfg.BatchSize)
	if err != nil {
		return summary, err
	}
	summary.Fetched = len(emails)
	if len(emails) == 0 {
		summary.Duration = time.Since(start)
		return summary, nil
	}

	var completed, failed, skipped int64
	worker := pool.WorkerFunc[*domain.EmailMessage](func(wctx context.Context, email *domain.EmailMessage) error {
		switch o.processEmail(wctx, email) {
		case outcomeCompleted:
			atomic.AddInt64(&completed, 1)
		case outcomeFailed:
			atomic.AddInt64(&failed, 1)
		default:
			atomic.AddInt64(&skipped, 1)
		}
		return nil
	})

	p := pool.New[*domain.EmailMessage](o.cfg.Workers, worker).WithContinueOnError()
	if err := p.Go(ctx); err != nil {
		return summary, err
	}
	for _, email := range emails {
		p.Submit(email)
	}
	if err := p.Close(ctx); err != nil && ctx.Err() == nil {
		o.log.WithError(err).Warn("worker pool closed with error")
	}

	summary.Completed = int(completed)
	summary.Failed = int(failed)
	summary.Skipped = int(skipped)
	summary.Duration = time.Since(start)

	o.recordCycleMetrics(ctx, summary)
	return summary, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeFailed
)

// processEmail runs one email through the state machine. Each call is
// bounded by MaxProcessingTime; transient stage errors retry with delay
// up to the configured budget. Ingestion shares the retry budget: an
// email must end with a persisted terminal row, or stay unread so the
// next cycle fetches it again.
func (o *Orchestrator) processEmail(ctx context.Context, email *domain.EmailMessage) outcome {
	if o.alreadyProcessed(ctx, email.ID) {
		return outcomeSkipped
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.MaxProcessingTime)
	defer cancel()

	pr := &domain.ProcessingResult{
		EmailID:   email.ID,
		Status:    domain.StatusReceived,
		StartedAt: time.Now().UTC(),
	}

	stored := false
	var lastErr error
	for attempt := 0; attempt <= o.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			pr.RetryCount = attempt
			if stored {
				_ = o.stores.Emails.IncrementRetry(ctx, email.ID)
			}
			select {
			case <-time.After(o.cfg.RetryDelay):
			case <-ctx.Done():
				return o.fail(ctx, email, pr, stored, "timeout", ctx.Err())
			}
		}

		if !stored {
			err := o.ingest(ctx, email, pr)
			if err != nil && apperr.IsKind(err, apperr.CodeConflict) {
				// The row exists from an earlier run. A terminal row is a
				// duplicate delivery; a non-terminal row is resumed with a
				// fresh processing record.
				if o.terminal(ctx, email.ID) {
					o.audit(ctx, email.ID, "email_duplicate", "skip", true, "", 0)
					return outcomeSkipped
				}
				err = o.stores.Processing.Create(ctx, pr)
			}
			if err != nil {
				lastErr = err
				if apperr.IsTransient(err) && ctx.Err() == nil {
					o.log.WithEmail(email.ID).WithField("attempt", attempt+1).WithError(err).Warn("transient ingest failure, retrying")
					continue
				}
				break
			}
			stored = true
		}

		lastErr = o.runStages(ctx, email, pr)
		if lastErr == nil {
			return outcomeCompleted
		}
		if !apperr.IsTransient(lastErr) || ctx.Err() != nil {
			break
		}
		o.log.WithEmail(email.ID).WithField("attempt", attempt+1).WithError(lastErr).Warn("transient stage failure, retrying")
	}

	if stored && apperr.IsKind(lastErr, apperr.CodeRateLimited) {
		return o.requeue(ctx, email, pr, lastErr)
	}
	return o.fail(ctx, email, pr, stored, string(pr.Status), lastErr)
}

// runStages executes VALIDATING through terminal for one attempt.
func (o *Orchestrator) runStages(ctx context.Context, email *domain.EmailMessage, pr *domain.ProcessingResult) error {
	// VALIDATING
	if err := o.transition(ctx, email, pr, domain.StatusValidating); err != nil {
		return err
	}
	o.screener.Screen(ctx, email)
	o.screener.ObservePatterns(ctx, email)

	// CLASSIFYING
	if err := o.transition(ctx, email, pr, domain.StatusClassifying); err != nil {
		return err
	}
	classification, err := o.classified(ctx, email, pr)
	if err != nil {
		return err
	}

	// ROUTING
	if err := o.transition(ctx, email, pr, domain.StatusRouting); err != nil {
		return err
	}
	decision := o.router.Decide(classification)
	pr.RoutingDecision = decision

	switch decision {
	case domain.RouteAutoReply:
		if err := o.transition(ctx, email, pr, domain.StatusResponding); err != nil {
			return err
		}
		if err := o.autoReply(ctx, email, classification, pr); err != nil {
			return err
		}

	case domain.RouteDraft:
		if err := o.transition(ctx, email, pr, domain.StatusResponding); err != nil {
			return err
		}
		if err := o.draft(ctx, email, classification, pr); err != nil {
			return err
		}

	case domain.RouteEscalate:
		if err := o.transition(ctx, email, pr, domain.StatusEscalating); err != nil {
			return err
		}
		if err := o.escalate(ctx, email, classification, pr); err != nil {
			return err
		}

	default:
		pr.ActionTaken = "flagged for manual review"
	}

	return o.complete(ctx, email, pr)
}

// classified runs the classifier and persists exactly one result.
func (o *Orchestrator) classified(ctx context.Context, email *domain.EmailMessage, pr *domain.ProcessingResult) (*domain.ClassificationResult, error) {
	if existing, err := o.stores.Classifications.GetByEmailID(ctx, email.ID); err == nil && existing != nil {
		return existing, nil
	}

	if err := o.admitLLM(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	classification := o.classifier.Classify(ctx, email)
	pr.ClassificationTimeMS = time.Since(start).Milliseconds()
	o.latency.Record("classify", time.Since(start))
	o.audit(ctx, email.ID, "llm_call", "classify", true, "", pr.ClassificationTimeMS)

	if err := o.stores.Classifications.Create(ctx, classification); err != nil {
		if apperr.IsKind(err, apperr.CodeConflict) {
			return o.stores.Classifications.GetByEmailID(ctx, email.ID)
		}
		return nil, apperr.DatabaseError("store classification", err)
	}
	return classification, nil
}

func (o *Orchestrator) autoReply(ctx context.Context, email *domain.EmailMessage, c *domain.ClassificationResult, pr *domain.ProcessingResult) error {
	// At-most-once: a reply sent by an earlier attempt is never repeated.
	if sent, err := o.stores.Processing.ReplySent(ctx, email.ID); err == nil && sent {
		pr.ResponseSent = true
		pr.ActionTaken = "reply already sent by a previous attempt"
		return nil
	}

	if err := o.admitLLM(ctx); err != nil {
		return err
	}

	res := o.responder.AutoReply(ctx, email, c)
	pr.ResponseGenTimeMS = res.GenTimeMS
	o.audit(ctx, email.ID, "llm_call", "generate_reply", res.ReplyText != "", res.Err, res.GenTimeMS)
	if res.Sent {
		pr.ResponseSent = true
		pr.ActionTaken = respond.ReplyActionNote(res.ReplyText)
		o.audit(ctx, email.ID, "mail_send", "auto_reply", true, "", 0)
		return nil
	}
	if res.ReplyText != "" {
		o.audit(ctx, email.ID, "mail_send", "auto_reply", false, res.Err, 0)
	}

	// Send failure downgrades to manual review, preserving the draft.
	pr.RoutingDecision = domain.RouteManualReview
	pr.ErrorMessage = res.Err
	if res.ReplyText != "" {
		pr.ActionTaken = "send failed, " + respond.DraftActionNote(res.ReplyText)
	} else {
		pr.ActionTaken = "reply generation failed, flagged for manual review"
	}
	return nil
}

func (o *Orchestrator) draft(ctx context.Context, email *domain.EmailMessage, c *domain.ClassificationResult, pr *domain.ProcessingResult) error {
	if err := o.admitLLM(ctx); err != nil {
		return err
	}

	res := o.responder.Draft(ctx, email, c)
	pr.ResponseGenTimeMS = res.GenTimeMS
	o.audit(ctx, email.ID, "llm_call", "generate_draft", res.ReplyText != "", res.Err, res.GenTimeMS)
	if res.ReplyText != "" {
		pr.ActionTaken = respond.DraftActionNote(res.ReplyText)
	} else {
		pr.RoutingDecision = domain.RouteManualReview
		pr.ErrorMessage = res.Err
		pr.ActionTaken = "draft generation failed, flagged for manual review"
	}
	return nil
}

func (o *Orchestrator) escalate(ctx context.Context, email *domain.EmailMessage, c *domain.ClassificationResult, pr *domain.ProcessingResult) error {
	// Idempotency: one group per email across all attempts.
	if existing, err := o.stores.Escalations.GetByEmailID(ctx, email.ID); err == nil && existing != nil {
		pr.AttachEscalation(existing.GroupID)
		pr.ActionTaken = "escalation group already exists: " + existing.DisplayName
		return nil
	}

	if err := o.admitLLM(ctx); err != nil {
		return err
	}

	res := o.escalator.Escalate(ctx, email, c)
	o.audit(ctx, email.ID, "chat_call", "create_group", !res.Downgraded, res.Err, 0)
	if res.Downgraded {
		pr.RoutingDecision = domain.RouteManualReview
		pr.ErrorMessage = res.Err
		pr.ActionTaken = "escalation failed, flagged for manual review"
		return nil
	}

	if err := o.stores.Escalations.Create(ctx, res.Group); err != nil {
		o.log.WithEmail(email.ID).WithError(err).Error("failed to store escalation group")
	}
	pr.AttachEscalation(res.Group.GroupID)
	pr.ActionTaken = "escalated to " + res.Group.DisplayName
	return nil
}

// complete finishes the happy path: persist terminal state, mark the
// platform message read, drop the idempotency mark.
func (o *Orchestrator) complete(ctx context.Context, email *domain.EmailMessage, pr *domain.ProcessingResult) error {
	now := time.Now().UTC()
	pr.Complete(domain.StatusCompleted, now)
	if err := o.stores.Processing.Update(ctx, pr); err != nil {
		return apperr.DatabaseError("complete processing", err)
	}
	if err := o.stores.Emails.MarkProcessed(ctx, email.ID, domain.StatusCompleted, now); err != nil {
		return apperr.DatabaseError("mark email processed", err)
	}

	if err := o.mail.MarkRead(ctx, email.ID); err != nil {
		// The email is done; an unread flag only means re-fetch and skip.
		o.log.WithEmail(email.ID).WithError(err).Warn("mark read failed")
	}
	o.cache.MarkSeen(ctx, email.ID)

	o.audit(ctx, email.ID, "email_processed", string(pr.RoutingDecision), true, "", pr.ProcessingTimeMS)
	o.latency.Record("pipeline", time.Duration(pr.ProcessingTimeMS)*time.Millisecond)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, email *domain.EmailMessage, pr *domain.ProcessingResult, stored bool, stage string, cause error) outcome {
	// Failure bookkeeping must survive the per-email deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}

	pr.ErrorMessage = msg
	pr.ErrorStage = stage
	pr.Complete(domain.StatusFailed, now)
	if stored {
		if err := o.stores.Processing.Update(ctx, pr); err != nil {
			o.log.WithEmail(email.ID).WithError(err).Error("failed to persist failure")
		}
	} else {
		// Ingestion never succeeded. Record the observation now so the
		// failure is queryable and the watermark can move past it.
		email.Status = domain.StatusFailed
		email.LastError = msg
		if err := o.stores.Emails.Create(ctx, email); err != nil && !apperr.IsKind(err, apperr.CodeConflict) {
			o.log.WithEmail(email.ID).WithError(err).Error("failed to persist failed email")
		}
		if err := o.stores.Processing.Create(ctx, pr); err != nil {
			o.log.WithEmail(email.ID).WithError(err).Error("failed to persist failure")
		}
	}

	terminal := true
	if err := o.stores.Emails.MarkProcessed(ctx, email.ID, domain.StatusFailed, now); err != nil {
		o.log.WithEmail(email.ID).WithError(err).Error("failed to mark email failed")
		terminal = false
	}

	// Only a persisted terminal row may move past the message. Without
	// one the email stays unread and the watermark holds below it, so
	// the next cycle fetches it again.
	if terminal {
		if err := o.mail.MarkRead(ctx, email.ID); err != nil {
			o.log.WithEmail(email.ID).WithError(err).Warn("mark read failed")
		}
		o.cache.MarkSeen(ctx, email.ID)
	}

	o.audit(ctx, email.ID, "email_failed", stage, false, msg, pr.ProcessingTimeMS)
	return outcomeFailed
}

// requeue leaves the email non-terminal and unread after the retry
// budget ran out on a rate-limited model call. The watermark stays
// pinned below it, so the next cycle picks it up again.
func (o *Orchestrator) requeue(ctx context.Context, email *domain.EmailMessage, pr *domain.ProcessingResult, cause error) outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	pr.ErrorMessage = cause.Error()
	if err := o.stores.Processing.Update(ctx, pr); err != nil {
		o.log.WithEmail(email.ID).WithError(err).Error("failed to persist deferral")
	}

	o.audit(ctx, email.ID, "email_deferred", string(pr.Status), false, cause.Error(), 0)
	o.log.WithEmail(email.ID).WithError(cause).Warn("model rate limited, deferring to next cycle")
	return outcomeSkipped
}

// ingest persists the first observation and opens its processing record.
// A duplicate platform id surfaces as a Conflict for the caller to
// resolve against the stored row. The raw body is archived before
// screening can truncate it.
func (o *Orchestrator) ingest(ctx context.Context, email *domain.EmailMessage, pr *domain.ProcessingResult) error {
	email.Status = domain.StatusReceived
	email.CreatedAt = time.Now().UTC()
	email.UpdatedAt = email.CreatedAt
	if err := o.stores.Emails.Create(ctx, email); err != nil {
		return err
	}

	if o.stores.Archive != nil {
		if err := o.stores.Archive.SaveBody(ctx, email.ID, email.Body, email.HTMLBody); err != nil {
			o.log.WithEmail(email.ID).WithError(err).Warn("body archive failed")
		}
	}

	return o.stores.Processing.Create(ctx, pr)
}

// terminal reports whether the stored email row reached COMPLETED or
// FAILED. An unreadable store counts as terminal so a broken lookup
// cannot spin; the unread message is re-fetched next cycle regardless.
func (o *Orchestrator) terminal(ctx context.Context, emailID string) bool {
	stored, err := o.stores.Emails.GetByID(ctx, emailID)
	if err != nil || stored == nil {
		return true
	}
	return stored.Status == domain.StatusCompleted || stored.Status == domain.StatusFailed
}

// admitLLM gates outbound model calls on the shared limiter. Denial is
// transient so the per-email retry and requeue paths handle it instead
// of degrading the classification.
func (o *Orchestrator) admitLLM(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	if res := o.limiter.Allow(ctx, "llm"); !res.Allowed {
		return apperr.RateLimited("llm").WithDetail("retry_after", res.RetryAfter.String())
	}
	return nil
}

// alreadyProcessed consults the cheap idempotency mark, then the store.
func (o *Orchestrator) alreadyProcessed(ctx context.Context, emailID string) bool {
	if o.cache.WasSeen(ctx, emailID) {
		return true
	}
	latest, err := o.stores.Processing.GetLatestByEmailID(ctx, emailID)
	if err != nil || latest == nil {
		return false
	}
	return latest.Status == domain.StatusCompleted
}

// transition persists a stage change before the stage runs.
func (o *Orchestrator) transition(ctx context.Context, email *domain.EmailMessage, pr *domain.ProcessingResult, status domain.ProcessingStatus) error {
	if err := ctx.Err(); err != nil {
		return apperr.Timeout(string(status))
	}
	email.Status = status
	pr.Status = status
	if err := o.stores.Emails.UpdateStatus(ctx, email.ID, status, ""); err != nil {
		return apperr.DatabaseError("stage transition", err)
	}
	if err := o.stores.Processing.Update(ctx, pr); err != nil {
		return apperr.DatabaseError("stage transition", err)
	}
	o.audit(ctx, email.ID, "stage_transition", string(status), true, "", 0)
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, emailID, eventType, action string, success bool, errMsg string, execMS int64) {
	if o.stores.Audit == nil {
		return
	}
	_ = o.stores.Audit.Record(ctx, &domain.AuditEvent{
		EventType:       eventType,
		Action:          action,
		ResourceType:    "email",
		ResourceID:      emailID,
		Success:         success,
		Error:           errMsg,
		ExecutionTimeMS: execMS,
		CreatedAt:       time.Now().UTC(),
	})
}

func (o *Orchestrator) recordCycleMetrics(ctx context.Context, s *CycleSummary) {
	if o.stores.Metrics == nil {
		return
	}
	now := time.Now().UTC()
	for name, value := range map[string]float64{
		"cycle_fetched":     float64(s.Fetched),
		"cycle_completed":   float64(s.Completed),
		"cycle_failed":      float64(s.Failed),
		"cycle_duration_ms": float64(s.Duration.Milliseconds()),
	} {
		_ = o.stores.Metrics.Record(ctx, &domain.PerformanceMetric{
			Type:      "pipeline",
			Name:      name,
			Value:     value,
			Unit:      unitFor(name),
			CreatedAt: now,
		})
	}
}

func unitFor(name string) string {
	if name == "cycle_duration_ms" {
		return "ms"
	}
	return "count"
}

// LatencyStats exposes per-stage latency for the status endpoint.
func (o *Orchestrator) LatencyStats() map[string]metrics.LatencyStats {
	return o.latency.AllStats()
}

// String implements fmt.Stringer for logs.
func (s *CycleSummary) String() string {
	return fmt.Sprintf("fetched=%d completed=%d failed=%d skipped=%d duration=%s",
		s.Fetched, s.Completed, s.Failed, s.Skipped, s.Duration)
}
