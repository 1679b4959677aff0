package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/core/service/classify"
	"emailbot/core/service/escalate"
	"emailbot/core/service/respond"
	"emailbot/core/service/route"
	"emailbot/core/service/security"
	"emailbot/pkg/apperr"
	"emailbot/pkg/logger"
	"emailbot/pkg/ratelimit"
)

// =============================================================================
// In-memory fakes
// =============================================================================

type fakeMail struct {
	mu      sync.Mutex
	unread  []*domain.EmailMessage
	replies []string // email ids replied to
	read    []string
	sendErr error
}

func (m *fakeMail) FetchUnread(_ context.Context, _ time.Time, limit int) ([]*domain.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.unread) > limit {
		return m.unread[:limit], nil
	}
	return m.unread, nil
}

func (m *fakeMail) SendReply(_ context.Context, emailID, _ string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.mu.Lock()
	m.replies = append(m.replies, emailID)
	m.mu.Unlock()
	return nil
}

func (m *fakeMail) MarkRead(_ context.Context, emailID string) error {
	m.mu.Lock()
	m.read = append(m.read, emailID)
	m.mu.Unlock()
	return nil
}

type fakeEmails struct {
	mu   sync.Mutex
	rows map[string]*domain.EmailMessage
}

func newFakeEmails() *fakeEmails { return &fakeEmails{rows: make(map[string]*domain.EmailMessage)} }

func (r *fakeEmails) Create(_ context.Context, e *domain.EmailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[e.ID]; ok {
		return apperr.Conflict("duplicate email id")
	}
	cp := *e
	r.rows[e.ID] = &cp
	return nil
}

func (r *fakeEmails) GetByID(_ context.Context, id string) (*domain.EmailMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rows[id]; ok {
		return e, nil
	}
	return nil, apperr.NotFound("email")
}

func (r *fakeEmails) Exists(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[id]
	return ok, nil
}

func (r *fakeEmails) UpdateStatus(_ context.Context, id string, status domain.ProcessingStatus, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rows[id]; ok {
		e.Status = status
		e.LastError = lastError
	}
	return nil
}

func (r *fakeEmails) MarkProcessed(_ context.Context, id string, status domain.ProcessingStatus, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return apperr.NotFound("email")
	}
	e.MarkTerminal(status, processedAt)
	return nil
}

func (r *fakeEmails) IncrementRetry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rows[id]; ok {
		e.RetryCount++
	}
	return nil
}

func (r *fakeEmails) HighWatermark(_ context.Context) (time.Time, error) {
	return time.Time{}, nil
}

func (r *fakeEmails) ListByStatus(_ context.Context, _ domain.ProcessingStatus, _ int) ([]*domain.EmailMessage, error) {
	return nil, nil
}

func (r *fakeEmails) CountByStatus(_ context.Context) (map[domain.ProcessingStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.ProcessingStatus]int)
	for _, e := range r.rows {
		counts[e.Status]++
	}
	return counts, nil
}

type fakeClassifications struct {
	mu   sync.Mutex
	rows map[string]*domain.ClassificationResult
}

func newFakeClassifications() *fakeClassifications {
	return &fakeClassifications{rows: make(map[string]*domain.ClassificationResult)}
}

func (r *fakeClassifications) Create(_ context.Context, c *domain.ClassificationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[c.EmailID]; ok {
		return apperr.Conflict("classification exists")
	}
	r.rows[c.EmailID] = c
	return nil
}

func (r *fakeClassifications) GetByEmailID(_ context.Context, emailID string) (*domain.ClassificationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rows[emailID]; ok {
		return c, nil
	}
	return nil, apperr.NotFound("classification")
}

func (r *fakeClassifications) RecordFeedback(_ context.Context, _ string, _ *domain.HumanFeedback) error {
	return nil
}

func (r *fakeClassifications) CategoryCounts(_ context.Context, _ time.Time) (map[domain.EmailCategory]int, error) {
	return nil, nil
}

func (r *fakeClassifications) AverageConfidence(_ context.Context, _ time.Time) (float64, error) {
	return 0, nil
}

type fakeProcessing struct {
	mu   sync.Mutex
	rows map[string][]*domain.ProcessingResult
}

func newFakeProcessing() *fakeProcessing {
	return &fakeProcessing{rows: make(map[string][]*domain.ProcessingResult)}
}

func (r *fakeProcessing) Create(_ context.Context, pr *domain.ProcessingResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr.ID = int64(len(r.rows[pr.EmailID]) + 1)
	r.rows[pr.EmailID] = append(r.rows[pr.EmailID], pr)
	return nil
}

func (r *fakeProcessing) Update(_ context.Context, _ *domain.ProcessingResult) error {
	return nil
}

func (r *fakeProcessing) GetLatestByEmailID(_ context.Context, emailID string) (*domain.ProcessingResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.rows[emailID]
	if len(list) == 0 {
		return nil, apperr.NotFound("processing result")
	}
	return list[len(list)-1], nil
}

func (r *fakeProcessing) ReplySent(_ context.Context, emailID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pr := range r.rows[emailID] {
		if pr.ResponseSent {
			return true, nil
		}
	}
	return false, nil
}

type fakeEscalations struct {
	mu   sync.Mutex
	rows map[string]*domain.EscalationGroup // by email id
}

func newFakeEscalations() *fakeEscalations {
	return &fakeEscalations{rows: make(map[string]*domain.EscalationGroup)}
}

func (r *fakeEscalations) Create(_ context.Context, g *domain.EscalationGroup) error {
	r.mu.Lock()
	r.rows[g.EmailID] = g
	r.mu.Unlock()
	return nil
}

func (r *fakeEscalations) GetByGroupID(_ context.Context, groupID string) (*domain.EscalationGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.rows {
		if g.GroupID == groupID {
			return g, nil
		}
	}
	return nil, apperr.NotFound("escalation")
}

func (r *fakeEscalations) GetByEmailID(_ context.Context, emailID string) (*domain.EscalationGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.rows[emailID]; ok {
		return g, nil
	}
	return nil, apperr.NotFound("escalation")
}

func (r *fakeEscalations) ListActive(_ context.Context) ([]*domain.EscalationGroup, error) {
	return nil, nil
}

func (r *fakeEscalations) Update(_ context.Context, _ *domain.EscalationGroup) error { return nil }

type fakeAudit struct {
	mu     sync.Mutex
	events []*domain.AuditEvent
}

func (a *fakeAudit) Record(_ context.Context, e *domain.AuditEvent) error {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
	return nil
}

func (a *fakeAudit) RecordSecurity(_ context.Context, _ *domain.SecurityEvent) error { return nil }
func (a *fakeAudit) RecordAuthAttempt(_ context.Context, _ *domain.AuthenticationAttempt) error {
	return nil
}
func (a *fakeAudit) FailedAuthCount(_ context.Context, _ string, _ time.Time) (int, error) {
	return 0, nil
}

type fakeMetrics struct{}

func (fakeMetrics) Record(_ context.Context, _ *domain.PerformanceMetric) error { return nil }
func (fakeMetrics) ListByType(_ context.Context, _ string, _ time.Time, _ int) ([]*domain.PerformanceMetric, error) {
	return nil, nil
}

type fakeCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeCache() *fakeCache { return &fakeCache{seen: make(map[string]bool)} }

func (c *fakeCache) Get(_ context.Context, _ string) (string, bool)         { return "", false }
func (c *fakeCache) Set(_ context.Context, _, _ string, _ time.Duration)    {}
func (c *fakeCache) Delete(_ context.Context, _ string)                     {}
func (c *fakeCache) Exists(_ context.Context, _ string) bool                { return false }
func (c *fakeCache) MarkSeen(_ context.Context, id string) {
	c.mu.Lock()
	c.seen[id] = true
	c.mu.Unlock()
}
func (c *fakeCache) WasSeen(_ context.Context, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[id]
}

type fakeLLM struct {
	classifyResp *out.ClassifyResponse
	classifyErr  error
	replyText    string
	replyErr     error
}

func (l *fakeLLM) Classify(_ context.Context, _ *out.ClassifyRequest) (*out.ClassifyResponse, error) {
	return l.classifyResp, l.classifyErr
}

func (l *fakeLLM) GenerateReply(_ context.Context, _ *out.ClassifyRequest, _ string) (string, error) {
	return l.replyText, l.replyErr
}

func (l *fakeLLM) PlanEscalation(_ context.Context, _ *out.ClassifyRequest, _, _ string) (*out.EscalationPlan, error) {
	return &out.EscalationPlan{TeamMembers: []string{"it_admin"}, Priority: "high"}, nil
}

type fakeChat struct {
	mu      sync.Mutex
	created int
	fail    bool
}

func (c *fakeChat) CreateGroup(_ context.Context, _ *out.GroupSpec) (string, error) {
	if c.fail {
		return "", errors.New("chat unavailable")
	}
	c.mu.Lock()
	c.created++
	id := c.created
	c.mu.Unlock()
	return "grp-" + string(rune('0'+id)), nil
}

func (c *fakeChat) PostMessage(_ context.Context, _, _ string) error { return nil }
func (c *fakeChat) ArchiveGroup(_ context.Context, _ string) error   { return nil }

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	orch        *Orchestrator
	mail        *fakeMail
	emails      *fakeEmails
	classes     *fakeClassifications
	processing  *fakeProcessing
	escalations *fakeEscalations
	audit       *fakeAudit
	cache       *fakeCache
	chat        *fakeChat
}

func newHarness(llm *fakeLLM) *harness {
	h := &harness{
		mail:        &fakeMail{},
		emails:      newFakeEmails(),
		classes:     newFakeClassifications(),
		processing:  newFakeProcessing(),
		escalations: newFakeEscalations(),
		audit:       &fakeAudit{},
		cache:       newFakeCache(),
		chat:        &fakeChat{},
	}
	h.orch = h.buildOrch(llm, h.defaultStores(), nil)
	return h
}

func (h *harness) defaultStores() Stores {
	return Stores{
		Emails:          h.emails,
		Classifications: h.classes,
		Processing:      h.processing,
		Escalations:     h.escalations,
		Metrics:         fakeMetrics{},
		Audit:           h.audit,
	}
}

func (h *harness) buildOrch(llm *fakeLLM, stores Stores, limiter *ratelimit.SlidingWindowLimiter) *Orchestrator {
	log := logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard})

	expertise := map[string][]string{
		"it_admin": {"it@corp.example"},
		"manager":  {"mgr@corp.example"},
		"security": {"sec@corp.example"},
	}

	return NewOrchestrator(
		Config{
			BatchSize:         10,
			Workers:           2,
			RetryAttempts:     1,
			RetryDelay:        time.Millisecond,
			MaxProcessingTime: 5 * time.Second,
		},
		h.mail,
		stores,
		h.cache,
		classify.NewClassifier(llm, log),
		route.NewRouter(route.DefaultThresholds()),
		respond.NewResponder(llm, h.mail, log),
		escalate.NewEscalator(llm, h.chat, expertise, "owner@corp.example", log),
		security.NewScreener(h.audit, nil, 50000, log),
		limiter,
		log,
	)
}

// flakyEmails rejects Create for selected ids a fixed number of times.
// A negative count rejects forever.
type flakyEmails struct {
	*fakeEmails
	fmu     sync.Mutex
	rejects map[string]int
	err     error
}

func (r *flakyEmails) Create(ctx context.Context, e *domain.EmailMessage) error {
	r.fmu.Lock()
	if n, ok := r.rejects[e.ID]; ok && n != 0 {
		if n > 0 {
			r.rejects[e.ID] = n - 1
		}
		r.fmu.Unlock()
		return r.err
	}
	r.fmu.Unlock()
	return r.fakeEmails.Create(ctx, e)
}

func inboundEmail(id string) *domain.EmailMessage {
	return &domain.EmailMessage{
		ID:            id,
		SenderAddress: "user@corp.example",
		Subject:       "License renewal",
		Body:          "Please renew our licenses.",
		ReceivedAt:    time.Now().Add(-time.Minute),
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestCycleAutoReplyPath(t *testing.T) {
	llm := &fakeLLM{
		classifyResp: &out.ClassifyResponse{
			Category: "SUPPORT", Confidence: 90, Reasoning: "routine",
			Urgency: "LOW", SuggestedAction: "reply with renewal steps",
		},
		replyText: "Here are the renewal steps.",
	}
	h := newHarness(llm)
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m1")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Completed != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %s", summary)
	}
	if len(h.mail.replies) != 1 || h.mail.replies[0] != "m1" {
		t.Errorf("replies = %v", h.mail.replies)
	}
	if len(h.mail.read) != 1 {
		t.Errorf("completed email should be marked read")
	}

	stored, _ := h.emails.GetByID(context.Background(), "m1")
	if stored.Status != domain.StatusCompleted || stored.ProcessedAt == nil {
		t.Errorf("stored status = %s, processed = %v", stored.Status, stored.ProcessedAt)
	}

	pr, _ := h.processing.GetLatestByEmailID(context.Background(), "m1")
	if !pr.ResponseSent || pr.RoutingDecision != domain.RouteAutoReply {
		t.Errorf("processing result: sent=%v decision=%s", pr.ResponseSent, pr.RoutingDecision)
	}
}

func TestReprocessingIsIdempotent(t *testing.T) {
	llm := &fakeLLM{
		classifyResp: &out.ClassifyResponse{
			Category: "SUPPORT", Confidence: 90, Reasoning: "routine",
			Urgency: "LOW", SuggestedAction: "reply",
		},
		replyText: "reply text",
	}
	h := newHarness(llm)
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m1")}

	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	// The platform still reports the message unread (mark-read lost).
	summary, err := h.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if summary.Skipped != 1 {
		t.Errorf("second cycle should skip, summary = %s", summary)
	}
	if len(h.mail.replies) != 1 {
		t.Errorf("exactly one reply may ever be sent, got %d", len(h.mail.replies))
	}
	h.classes.mu.Lock()
	n := len(h.classes.rows)
	h.classes.mu.Unlock()
	if n != 1 {
		t.Errorf("exactly one classification may be stored, got %d", n)
	}
}

func TestEscalationPath(t *testing.T) {
	llm := &fakeLLM{
		classifyResp: &out.ClassifyResponse{
			Category: "ESCALATION", Confidence: 80, Reasoning: "angry customer",
			Urgency: "CRITICAL", SuggestedAction: "escalate now",
		},
	}
	h := newHarness(llm)
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m2")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil || summary.Completed != 1 {
		t.Fatalf("summary = %v err = %v", summary, err)
	}

	pr, _ := h.processing.GetLatestByEmailID(context.Background(), "m2")
	if !pr.EscalationCreated || pr.EscalationRef == nil {
		t.Fatalf("escalation not recorded: %+v", pr)
	}
	group, err := h.escalations.GetByEmailID(context.Background(), "m2")
	if err != nil {
		t.Fatalf("group not stored: %v", err)
	}
	if group.Status != domain.EscalationActive {
		t.Errorf("group status = %s", group.Status)
	}
}

func TestLLMFailureFallsBackToEscalation(t *testing.T) {
	h := newHarness(&fakeLLM{classifyErr: errors.New("model down")})
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m3")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil || summary.Completed != 1 {
		t.Fatalf("summary = %v err = %v", summary, err)
	}

	c, _ := h.classes.GetByEmailID(context.Background(), "m3")
	if c.Confidence != 0 {
		t.Errorf("fallback confidence = %v", c.Confidence)
	}
	pr, _ := h.processing.GetLatestByEmailID(context.Background(), "m3")
	if pr.RoutingDecision != domain.RouteEscalate {
		t.Errorf("fallback should route to ESCALATE, got %s", pr.RoutingDecision)
	}
}

func TestSendFailureDowngradesToManualReview(t *testing.T) {
	llm := &fakeLLM{
		classifyResp: &out.ClassifyResponse{
			Category: "SUPPORT", Confidence: 95, Reasoning: "routine",
			Urgency: "LOW", SuggestedAction: "reply",
		},
		replyText: "generated reply",
	}
	h := newHarness(llm)
	h.mail.sendErr = errors.New("smtp rejected")
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m4")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil || summary.Completed != 1 {
		t.Fatalf("summary = %v err = %v", summary, err)
	}

	pr, _ := h.processing.GetLatestByEmailID(context.Background(), "m4")
	if pr.ResponseSent {
		t.Error("failed send must not claim response_sent")
	}
	if pr.RoutingDecision != domain.RouteManualReview {
		t.Errorf("decision = %s, want MANUAL_REVIEW", pr.RoutingDecision)
	}
	if !strings.Contains(pr.ActionTaken, "generated reply") {
		t.Error("draft text must be preserved for the reviewer")
	}
}

func TestChatFailureDowngradesWithoutPartialGroup(t *testing.T) {
	llm := &fakeLLM{
		classifyResp: &out.ClassifyResponse{
			Category: "SUPPORT", Confidence: 70, Reasoning: "outage",
			Urgency: "CRITICAL", SuggestedAction: "escalate",
		},
	}
	h := newHarness(llm)
	h.chat.fail = true
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m5")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil || summary.Completed != 1 {
		t.Fatalf("summary = %v err = %v", summary, err)
	}

	pr, _ := h.processing.GetLatestByEmailID(context.Background(), "m5")
	if pr.EscalationCreated {
		t.Error("no escalation may be recorded when group creation fails")
	}
	if pr.RoutingDecision != domain.RouteManualReview {
		t.Errorf("decision = %s, want MANUAL_REVIEW", pr.RoutingDecision)
	}
	if _, err := h.escalations.GetByEmailID(context.Background(), "m5"); err == nil {
		t.Error("no partial group row may exist")
	}
}

func TestDraftPathDoesNotSend(t *testing.T) {
	llm := &fakeLLM{
		classifyResp: &out.ClassifyResponse{
			Category: "CONSULTATION", Confidence: 70, Reasoning: "question",
			Urgency: "LOW", SuggestedAction: "draft a reply",
		},
		replyText: "suggested draft",
	}
	h := newHarness(llm)
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m6")}

	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(h.mail.replies) != 0 {
		t.Error("draft path must not send")
	}
	pr, _ := h.processing.GetLatestByEmailID(context.Background(), "m6")
	if pr.RoutingDecision != domain.RouteDraft {
		t.Errorf("decision = %s", pr.RoutingDecision)
	}
	if !strings.Contains(pr.ActionTaken, "suggested draft") {
		t.Error("draft text must be stored in action_taken")
	}
}

func supportLLM() *fakeLLM {
	return &fakeLLM{
		classifyResp: &out.ClassifyResponse{
			Category: "SUPPORT", Confidence: 90, Reasoning: "routine",
			Urgency: "LOW", SuggestedAction: "reply",
		},
		replyText: "reply text",
	}
}

func TestIngestRetryRecovers(t *testing.T) {
	llm := supportLLM()
	h := newHarness(llm)
	flaky := &flakyEmails{
		fakeEmails: h.emails,
		rejects:    map[string]int{"m7": 1},
		err:        apperr.TransientNetwork("postgres", errors.New("connection reset")),
	}
	stores := h.defaultStores()
	stores.Emails = flaky
	h.orch = h.buildOrch(llm, stores, nil)
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m7")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil || summary.Completed != 1 {
		t.Fatalf("summary = %v err = %v", summary, err)
	}
	if len(h.mail.replies) != 1 {
		t.Errorf("replies = %v", h.mail.replies)
	}
}

func TestIngestFailurePersistsFailedRow(t *testing.T) {
	llm := supportLLM()
	h := newHarness(llm)
	flaky := &flakyEmails{
		fakeEmails: h.emails,
		rejects:    map[string]int{"m8": 2}, // exhausts the retry budget
		err:        apperr.TransientNetwork("postgres", errors.New("connection reset")),
	}
	stores := h.defaultStores()
	stores.Emails = flaky
	h.orch = h.buildOrch(llm, stores, nil)

	old := inboundEmail("m8")
	old.ReceivedAt = time.Now().Add(-2 * time.Hour)
	h.mail.unread = []*domain.EmailMessage{old, inboundEmail("m9")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Completed != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %s", summary)
	}

	// The email whose first insert kept failing must still end with a
	// persisted terminal row so the watermark may move past it.
	stored, err := h.emails.GetByID(context.Background(), "m8")
	if err != nil {
		t.Fatalf("failed email must be stored: %v", err)
	}
	if stored.Status != domain.StatusFailed || stored.ProcessedAt == nil {
		t.Errorf("stored status = %s, processed = %v", stored.Status, stored.ProcessedAt)
	}
	found := false
	for _, id := range h.mail.read {
		if id == "m8" {
			found = true
		}
	}
	if !found {
		t.Error("terminally failed email must be marked read")
	}
}

func TestUnpersistableEmailStaysUnread(t *testing.T) {
	llm := supportLLM()
	h := newHarness(llm)
	flaky := &flakyEmails{
		fakeEmails: h.emails,
		rejects:    map[string]int{"m10": -1},
		err:        apperr.TransientNetwork("postgres", errors.New("connection reset")),
	}
	stores := h.defaultStores()
	stores.Emails = flaky
	h.orch = h.buildOrch(llm, stores, nil)
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m10")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil || summary.Failed != 1 {
		t.Fatalf("summary = %v err = %v", summary, err)
	}

	// No terminal row could be written, so the message must stay unread
	// and unseen for the next cycle to fetch again.
	for _, id := range h.mail.read {
		if id == "m10" {
			t.Fatal("email without a stored terminal row must not be marked read")
		}
	}
	if h.cache.WasSeen(context.Background(), "m10") {
		t.Error("email without a stored terminal row must not be marked seen")
	}
}

func TestInterruptedEmailIsResumed(t *testing.T) {
	llm := supportLLM()
	h := newHarness(llm)

	// A row left mid-pipeline by an interrupted run.
	seed := inboundEmail("m11")
	seed.Status = domain.StatusClassifying
	if err := h.emails.Create(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m11")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil || summary.Completed != 1 {
		t.Fatalf("summary = %v err = %v", summary, err)
	}
	stored, _ := h.emails.GetByID(context.Background(), "m11")
	if stored.Status != domain.StatusCompleted {
		t.Errorf("resumed email status = %s", stored.Status)
	}
	if len(h.mail.replies) != 1 {
		t.Errorf("replies = %v", h.mail.replies)
	}
}

func TestDuplicateDeliveryIsAudited(t *testing.T) {
	llm := supportLLM()
	h := newHarness(llm)

	seed := inboundEmail("m12")
	if err := h.emails.Create(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := h.emails.MarkProcessed(context.Background(), "m12", domain.StatusCompleted, time.Now().UTC()); err != nil {
		t.Fatalf("seed terminal: %v", err)
	}
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m12")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil || summary.Skipped != 1 {
		t.Fatalf("summary = %v err = %v", summary, err)
	}
	if len(h.mail.replies) != 0 {
		t.Error("duplicate delivery must not reply again")
	}

	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	found := false
	for _, e := range h.audit.events {
		if e.EventType == "email_duplicate" && e.ResourceID == "m12" {
			found = true
		}
	}
	if !found {
		t.Error("duplicate skip must be audited")
	}
}

func TestAuditTrailCoversStagesAndOutboundCalls(t *testing.T) {
	llm := supportLLM()
	h := newHarness(llm)
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m13")}

	if _, err := h.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	h.audit.mu.Lock()
	counts := make(map[string]int)
	for _, e := range h.audit.events {
		counts[e.EventType+"/"+e.Action]++
	}
	h.audit.mu.Unlock()

	want := map[string]int{
		"stage_transition/VALIDATING":  1,
		"stage_transition/CLASSIFYING": 1,
		"stage_transition/ROUTING":     1,
		"stage_transition/RESPONDING":  1,
		"llm_call/classify":            1,
		"llm_call/generate_reply":      1,
		"mail_send/auto_reply":         1,
		"email_processed/AUTO_REPLY":   1,
	}
	for key, n := range want {
		if counts[key] != n {
			t.Errorf("audit %s = %d, want %d (all: %v)", key, counts[key], n, counts)
		}
	}
}

func TestModelRateLimitDefersEmail(t *testing.T) {
	llm := supportLLM()
	h := newHarness(llm)

	// One model call per identifier window: classification is admitted,
	// the reply generation is not.
	limiter := ratelimit.NewSlidingWindowLimiter(nil, &ratelimit.Config{
		MaxRequests: 1,
		Window:      time.Minute,
		BurstSize:   100,
		BurstWindow: time.Second,
	})
	h.orch = h.buildOrch(llm, h.defaultStores(), limiter)
	h.mail.unread = []*domain.EmailMessage{inboundEmail("m14")}

	summary, err := h.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Skipped != 1 || summary.Completed != 0 || summary.Failed != 0 {
		t.Fatalf("rate-limited email must be deferred, summary = %s", summary)
	}
	if len(h.mail.replies) != 0 {
		t.Error("no reply may be sent under model rate limiting")
	}
	if len(h.mail.read) != 0 {
		t.Error("deferred email must stay unread")
	}
	stored, _ := h.emails.GetByID(context.Background(), "m14")
	if stored.Status == domain.StatusCompleted || stored.Status == domain.StatusFailed {
		t.Errorf("deferred email must stay non-terminal, got %s", stored.Status)
	}

	// Next cycle, with budget again, resumes and completes.
	limiter.Reset(context.Background(), "llm")
	limiter.Reset(context.Background(), "email_processing")

	summary, err = h.orch.RunCycle(context.Background())
	if err != nil || summary.Completed != 1 {
		t.Fatalf("resumed summary = %v err = %v", summary, err)
	}
	if len(h.mail.replies) != 1 {
		t.Errorf("replies = %v", h.mail.replies)
	}
}
