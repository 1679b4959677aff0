package graphmail

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/pkg/apperr"
	"emailbot/pkg/logger"
)

// MailAdapter implements out.MailGateway against one monitored mailbox.
type MailAdapter struct {
	client  *graphClient
	mailbox string
	log     *logger.Logger
}

// NewMailAdapter creates the gateway for the target mailbox.
func NewMailAdapter(baseURL, mailbox string, tokens TokenSource, log *logger.Logger) *MailAdapter {
	return &MailAdapter{
		client:  newGraphClient(baseURL, tokens, log),
		mailbox: mailbox,
		log:     log,
	}
}

var _ out.MailGateway = (*MailAdapter)(nil)

// FetchUnread returns unread messages newer than since, oldest first.
// Oldest-first ordering keeps the high watermark monotonic.
func (a *MailAdapter) FetchUnread(ctx context.Context, since time.Time, limit int) ([]*domain.EmailMessage, error) {
	if limit <= 0 {
		limit = 10
	}

	params := url.Values{}
	params.Set("$filter", unreadFilter(since))
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$top", fmt.Sprintf("%d", limit))
	params.Set("$select", "id,conversationId,subject,from,toRecipients,importance,body,bodyPreview,hasAttachments,receivedDateTime")

	var resp struct {
		Value []graphMessage `json:"value"`
	}
	if err := a.client.get(ctx, a.path("/messages?"+params.Encode()), &resp); err != nil {
		return nil, err
	}

	emails := make([]*domain.EmailMessage, 0, len(resp.Value))
	for i := range resp.Value {
		msg := &resp.Value[i]
		email := convertMessage(msg)
		if msg.HasAttachments {
			a.attachAttachmentMeta(ctx, email)
		}
		emails = append(emails, email)
	}
	return emails, nil
}

// SendReply sends a reply to the original sender. The subject takes a
// single "Re:" prefix; an existing prefix is not doubled.
func (a *MailAdapter) SendReply(ctx context.Context, emailID, body string) error {
	var original struct {
		Subject string         `json:"subject"`
		From    graphRecipient `json:"from"`
	}
	if err := a.client.get(ctx, a.path("/messages/"+emailID+"?$select=subject,from"), &original); err != nil {
		return err
	}
	if original.From.EmailAddress.Address == "" {
		return apperr.Malformed("graph", fmt.Errorf("message %s has no sender", emailID))
	}

	payload := map[string]any{
		"message": map[string]any{
			"subject": ReplySubject(original.Subject),
			"body": map[string]string{
				"contentType": "Text",
				"content":     body,
			},
			"toRecipients": []graphRecipient{
				{EmailAddress: graphEmailAddress{Address: original.From.EmailAddress.Address}},
			},
		},
		"saveToSentItems": true,
	}
	return a.client.post(ctx, a.path("/sendMail"), payload, nil)
}

// MarkRead flags the message read. A message deleted or already moved is
// treated as done.
func (a *MailAdapter) MarkRead(ctx context.Context, emailID string) error {
	err := a.client.patch(ctx, a.path("/messages/"+emailID), map[string]bool{"isRead": true})
	if apperr.IsKind(err, apperr.CodeNotFound) {
		return nil
	}
	return err
}

// MoveToFolder moves a message into the named well-known or created folder.
func (a *MailAdapter) MoveToFolder(ctx context.Context, emailID, folderID string) error {
	return a.client.post(ctx, a.path("/messages/"+emailID+"/move"),
		map[string]string{"destinationId": folderID}, nil)
}

// CreateFolder creates a mail folder and returns its id. An existing
// folder with the same name is reused.
func (a *MailAdapter) CreateFolder(ctx context.Context, name string) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	err := a.client.post(ctx, a.path("/mailFolders"), map[string]string{"displayName": name}, &created)
	if err == nil {
		return created.ID, nil
	}
	if !apperr.IsKind(err, apperr.CodeMalformed) && !apperr.IsKind(err, apperr.CodeConflict) {
		return "", err
	}

	// Name collision: find the existing folder.
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(name, "'", "''")))
	var resp struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if lookupErr := a.client.get(ctx, a.path("/mailFolders?"+params.Encode()), &resp); lookupErr != nil {
		return "", err
	}
	if len(resp.Value) == 0 {
		return "", err
	}
	return resp.Value[0].ID, nil
}

// Probe checks mailbox reachability for the health endpoint.
func (a *MailAdapter) Probe(ctx context.Context) error {
	var resp struct {
		ID string `json:"id"`
	}
	return a.client.get(ctx, a.path("?$select=id"), &resp)
}

func (a *MailAdapter) path(suffix string) string {
	return "/users/" + url.PathEscape(a.mailbox) + suffix
}

// attachAttachmentMeta loads attachment names and sizes; content is never
// fetched. A lookup failure leaves the email without attachment metadata.
func (a *MailAdapter) attachAttachmentMeta(ctx context.Context, email *domain.EmailMessage) {
	var resp struct {
		Value []struct {
			Name        string `json:"name"`
			ContentType string `json:"contentType"`
			Size        int64  `json:"size"`
		} `json:"value"`
	}
	path := a.path("/messages/" + email.ID + "/attachments?$select=name,contentType,size")
	if err := a.client.get(ctx, path, &resp); err != nil {
		a.log.WithEmail(email.ID).WithError(err).Warn("attachment metadata lookup failed")
		return
	}
	for _, att := range resp.Value {
		email.Attachments = append(email.Attachments, domain.Attachment{
			Name:        att.Name,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}
}

// unreadFilter builds the OData filter for the unread query.
func unreadFilter(since time.Time) string {
	filter := "isRead eq false"
	if !since.IsZero() {
		filter += " and receivedDateTime gt " + since.UTC().Format("2006-01-02T15:04:05Z")
	}
	return filter
}

// ReplySubject prefixes "Re: " exactly once, case-insensitively.
func ReplySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(trimmed), "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// =============================================================================
// Graph wire types
// =============================================================================

type graphMessage struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversationId"`
	Subject          string           `json:"subject"`
	Body             graphBody        `json:"body"`
	BodyPreview      string           `json:"bodyPreview"`
	From             graphRecipient   `json:"from"`
	ToRecipients     []graphRecipient `json:"toRecipients"`
	Importance       string           `json:"importance"`
	IsRead           bool             `json:"isRead"`
	HasAttachments   bool             `json:"hasAttachments"`
	ReceivedDateTime string           `json:"receivedDateTime"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// convertMessage maps a Graph message onto the domain entity. HTML bodies
// keep the raw HTML and carry a plain-text extraction for classification.
func convertMessage(msg *graphMessage) *domain.EmailMessage {
	email := &domain.EmailMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderAddress:  strings.ToLower(msg.From.EmailAddress.Address),
		SenderName:     msg.From.EmailAddress.Name,
		Subject:        msg.Subject,
		Importance:     convertImportance(msg.Importance),
	}

	if len(msg.ToRecipients) > 0 {
		email.Recipient = strings.ToLower(msg.ToRecipients[0].EmailAddress.Address)
	}

	if strings.EqualFold(msg.Body.ContentType, "html") {
		email.HTMLBody = msg.Body.Content
		email.Body = StripHTML(msg.Body.Content)
	} else {
		email.Body = msg.Body.Content
	}
	if strings.TrimSpace(email.Body) == "" {
		email.Body = msg.BodyPreview
	}

	email.ReceivedAt, _ = time.Parse(time.RFC3339, msg.ReceivedDateTime)
	return email
}

func convertImportance(v string) domain.Importance {
	switch strings.ToLower(v) {
	case "low":
		return domain.ImportanceLow
	case "high":
		return domain.ImportanceHigh
	default:
		return domain.ImportanceNormal
	}
}
