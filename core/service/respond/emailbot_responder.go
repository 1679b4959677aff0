// Package respond generates and delivers replies for routed emails.
package respond

import (
	"context"
	"fmt"
	"time"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/pkg/logger"
)

// Outcome is the result of one respond invocation.
type Outcome struct {
	ReplyText  string
	Sent       bool
	Downgraded bool   // send failed, outcome becomes MANUAL_REVIEW
	Err        string // delivery error when downgraded
	GenTimeMS  int64
}

// Responder drives AUTO_REPLY and DRAFT handling. It generates text via
// the LLM and, for AUTO_REPLY only, delivers through the mail gateway.
type Responder struct {
	llm  out.LLMClient
	mail out.MailGateway
	log  *logger.Logger
}

// NewResponder creates a responder.
func NewResponder(llm out.LLMClient, mail out.MailGateway, log *logger.Logger) *Responder {
	return &Responder{llm: llm, mail: mail, log: log}
}

// AutoReply generates a reply and sends it. A send failure downgrades
// the outcome to manual review instead of failing the email; the draft
// is preserved so a human can send it.
func (r *Responder) AutoReply(ctx context.Context, email *domain.EmailMessage, c *domain.ClassificationResult) *Outcome {
	outcome := r.generate(ctx, email, c)
	if outcome.ReplyText == "" {
		outcome.Downgraded = true
		return outcome
	}

	if err := r.mail.SendReply(ctx, email.ID, outcome.ReplyText); err != nil {
		r.log.WithEmail(email.ID).WithError(err).Warn("reply send failed, downgrading to manual review")
		outcome.Downgraded = true
		outcome.Err = err.Error()
		return outcome
	}

	outcome.Sent = true
	return outcome
}

// Draft generates a reply without sending it. The text is persisted in
// the processing record for human retrieval.
func (r *Responder) Draft(ctx context.Context, email *domain.EmailMessage, c *domain.ClassificationResult) *Outcome {
	return r.generate(ctx, email, c)
}

func (r *Responder) generate(ctx context.Context, email *domain.EmailMessage, c *domain.ClassificationResult) *Outcome {
	start := time.Now()

	req := &out.ClassifyRequest{
		EmailID:    email.ID,
		Sender:     email.SenderAddress,
		SenderName: email.SenderName,
		Subject:    email.Subject,
		Body:       email.Body,
	}

	text, err := r.llm.GenerateReply(ctx, req, string(c.Category))
	outcome := &Outcome{GenTimeMS: time.Since(start).Milliseconds()}
	if err != nil {
		r.log.WithEmail(email.ID).WithError(err).Warn("reply generation failed")
		outcome.Err = err.Error()
		return outcome
	}

	outcome.ReplyText = text
	return outcome
}

// DraftActionNote formats the stored action text for a draft so review
// tooling can recover the generated reply verbatim.
func DraftActionNote(replyText string) string {
	return fmt.Sprintf("draft generated (not sent):\n%s", replyText)
}

// ReplyActionNote formats the stored action text for a sent reply.
func ReplyActionNote(replyText string) string {
	return fmt.Sprintf("reply sent:\n%s", replyText)
}
