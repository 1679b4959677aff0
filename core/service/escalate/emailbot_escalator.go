// Package escalate builds chat-platform escalation groups for emails the
// router could not resolve automatically.
package escalate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/pkg/logger"
)

const (
	groupNamePrefix  = "EmailBot"
	subjectSlugLimit = 30
	bodyExcerptLimit = 500
)

// Outcome is the result of one escalation attempt.
type Outcome struct {
	Group      *domain.EscalationGroup
	Downgraded bool   // group creation failed, outcome becomes MANUAL_REVIEW
	Err        string // chat error when downgraded
}

// Escalator plans and provisions escalation groups. ExpertiseMap maps role
// tags (it_admin, security, manager...) to member addresses.
type Escalator struct {
	llm          out.LLMClient
	chat         out.ChatGateway
	expertiseMap map[string][]string
	owner        string
	log          *logger.Logger
	now          func() time.Time
}

// NewEscalator creates an escalator.
func NewEscalator(llm out.LLMClient, chat out.ChatGateway, expertiseMap map[string][]string, owner string, log *logger.Logger) *Escalator {
	return &Escalator{
		llm:          llm,
		chat:         chat,
		expertiseMap: expertiseMap,
		owner:        owner,
		log:          log,
		now:          time.Now,
	}
}

// Escalate builds the plan, resolves members, creates the group, and posts
// the briefing. If group creation fails the email downgrades to manual
// review and no partial group is recorded.
func (e *Escalator) Escalate(ctx context.Context, email *domain.EmailMessage, c *domain.ClassificationResult) *Outcome {
	plan := e.plan(ctx, email, c)
	roles := e.requiredRoles(plan, c)
	members := e.resolveMembers(roles)

	now := e.now().UTC()
	name := GroupName(c.Category, email.Subject, now)

	groupID, err := e.chat.CreateGroup(ctx, &out.GroupSpec{
		DisplayName: name,
		Description: fmt.Sprintf("Escalated email from %s: %s", email.SenderAddress, email.Subject),
		Owner:       e.owner,
		Members:     members,
	})
	if err != nil {
		e.log.WithEmail(email.ID).WithError(err).Warn("escalation group creation failed, downgrading to manual review")
		return &Outcome{Downgraded: true, Err: err.Error()}
	}

	if err := e.chat.PostMessage(ctx, groupID, e.briefing(email, c, plan)); err != nil {
		// The group exists; a failed briefing is logged, not fatal.
		e.log.WithEmail(email.ID).WithField("group_id", groupID).WithError(err).Warn("initial escalation message failed")
	}

	return &Outcome{Group: &domain.EscalationGroup{
		GroupID:     groupID,
		EmailID:     email.ID,
		DisplayName: name,
		Description: fmt.Sprintf("Escalation for email %s", email.ID),
		Members:     members,
		Owner:       e.owner,
		Status:      domain.EscalationActive,
		CreatedAt:   now,
	}}
}

// plan asks the model for staffing; failures fall back to a fixed plan so
// escalation always proceeds.
func (e *Escalator) plan(ctx context.Context, email *domain.EmailMessage, c *domain.ClassificationResult) *out.EscalationPlan {
	req := &out.ClassifyRequest{
		EmailID:    email.ID,
		Sender:     email.SenderAddress,
		SenderName: email.SenderName,
		Subject:    email.Subject,
		Body:       email.Body,
	}

	plan, err := e.llm.PlanEscalation(ctx, req, string(c.Category), string(c.Urgency))
	if err != nil || plan == nil {
		return &out.EscalationPlan{
			TeamMembers:             []string{"it_admin"},
			Priority:                "medium",
			EstimatedResolutionTime: "1-2 hours",
		}
	}
	return plan
}

// requiredRoles merges the planned roles with the policy-mandated ones.
func (e *Escalator) requiredRoles(plan *out.EscalationPlan, c *domain.ClassificationResult) []string {
	seen := make(map[string]bool)
	var roles []string
	add := func(role string) {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" && !seen[role] {
			seen[role] = true
			roles = append(roles, role)
		}
	}

	for _, r := range plan.TeamMembers {
		add(r)
	}
	for _, r := range c.RequiredExpertise {
		add(r)
	}

	if c.Urgency == domain.UrgencyHigh || c.Urgency == domain.UrgencyCritical {
		add("manager")
	}
	if c.Category == domain.CategoryPurchasing {
		add("procurement")
	}
	if c.Category == domain.CategoryEscalation {
		add("manager")
		add("security")
	}

	return roles
}

// resolveMembers maps roles to addresses; roles with no mapping are
// skipped. When nothing resolves, the it_admin role is the floor.
func (e *Escalator) resolveMembers(roles []string) []string {
	seen := make(map[string]bool)
	var members []string
	for _, role := range roles {
		for _, addr := range e.expertiseMap[role] {
			if addr != "" && !seen[addr] {
				seen[addr] = true
				members = append(members, addr)
			}
		}
	}

	if len(members) == 0 {
		for _, addr := range e.expertiseMap["it_admin"] {
			if addr != "" && !seen[addr] {
				seen[addr] = true
				members = append(members, addr)
			}
		}
	}
	if len(members) == 0 && e.owner != "" {
		members = append(members, e.owner)
	}
	return members
}

// briefing formats the initial group message.
func (e *Escalator) briefing(email *domain.EmailMessage, c *domain.ClassificationResult, plan *out.EscalationPlan) string {
	body := email.Body
	if len(body) > bodyExcerptLimit {
		body = body[:bodyExcerptLimit] + "..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<h2>Escalated Email</h2>")
	fmt.Fprintf(&b, "<p><b>From:</b> %s &lt;%s&gt;<br>", email.SenderName, email.SenderAddress)
	fmt.Fprintf(&b, "<b>Subject:</b> %s<br>", email.Subject)
	fmt.Fprintf(&b, "<b>Received:</b> %s</p>", email.ReceivedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "<p><b>Category:</b> %s | <b>Urgency:</b> %s | <b>Confidence:</b> %.0f</p>", c.Category, c.Urgency, c.Confidence)
	fmt.Fprintf(&b, "<p><b>Reasoning:</b> %s</p>", c.Reasoning)
	fmt.Fprintf(&b, "<p><b>Priority:</b> %s | <b>Estimated resolution:</b> %s</p>", plan.Priority, plan.EstimatedResolutionTime)
	if len(plan.SuggestedInitialActions) > 0 {
		fmt.Fprintf(&b, "<p><b>Suggested actions:</b> %s</p>", strings.Join(plan.SuggestedInitialActions, "; "))
	}
	fmt.Fprintf(&b, "<hr><pre>%s</pre>", body)
	return b.String()
}

// GroupName builds the deterministic display name
// EmailBot-<CATEGORY>-<yyyymmdd-HHMM>-<subject-slug>.
func GroupName(category domain.EmailCategory, subject string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s",
		groupNamePrefix,
		category,
		now.Format("20060102-1504"),
		subjectSlug(subject, subjectSlugLimit),
	)
}

// subjectSlug lowercases, keeps alphanumerics, and joins words with
// hyphens up to maxLen.
func subjectSlug(subject string, maxLen int) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(subject) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxLen {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "no-subject"
	}
	if len(slug) > maxLen {
		slug = slug[:maxLen]
	}
	return slug
}
