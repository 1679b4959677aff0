package llm

import (
	"fmt"

	"emailbot/core/port/out"
)

// PromptVersion is recorded with every classification so results remain
// comparable across prompt changes.
const PromptVersion = "v2"

const classifySystemPrompt = `You are an IT helpdesk email triage assistant. Analyze the email and respond with JSON only.

Categories (pick ONE):
- PURCHASING: license, hardware, or software purchase requests
- SUPPORT: technical problems, outages, how-to questions
- INFORMATION: announcements, FYI mail, no action required
- ESCALATION: angry or blocked users, repeated complaints, management attention needed
- CONSULTATION: requests for advice, architecture or planning questions

Urgency: LOW, MEDIUM, HIGH, CRITICAL
Confidence: 0-100, how certain you are of the category.

Respond with this exact JSON format:
{
  "category": "PURCHASING|SUPPORT|INFORMATION|ESCALATION|CONSULTATION",
  "confidence": 0-100,
  "reasoning": "1-2 sentence justification",
  "urgency": "LOW|MEDIUM|HIGH|CRITICAL",
  "suggested_action": "what should happen next",
  "required_expertise": ["role tags like it_admin, security, network_admin"],
  "estimated_effort": "e.g. 30 minutes, 2 hours"
}`

func classifyUserPrompt(req *out.ClassifyRequest) string {
	return fmt.Sprintf("From: %s <%s>\nSubject: %s\n\nBody:\n%s",
		req.SenderName, req.Sender, req.Subject, req.Body)
}

func replySystemPrompt(category string) string {
	return fmt.Sprintf(`You are an IT helpdesk assistant writing a reply to a %s email.
Write a professional, concise reply in the language of the original email.
Acknowledge the request, state the next step, and give a realistic timeframe.
Only output the reply body, no subject line and no signature.`, category)
}

func replyUserPrompt(req *out.ClassifyRequest) string {
	return fmt.Sprintf("From: %s <%s>\nSubject: %s\n\nBody:\n%s",
		req.SenderName, req.Sender, req.Subject, req.Body)
}

const escalationSystemPrompt = `You are an IT incident coordinator staffing an escalation. Respond with JSON only.

Available role tags: it_admin, helpdesk, system_admin, network_admin, security, procurement, manager

Respond with this exact JSON format:
{
  "team_members": ["role tags"],
  "priority": "low|medium|high|critical",
  "estimated_resolution_time": "e.g. 1-2 hours",
  "suggested_initial_actions": ["first concrete steps"],
  "resources_needed": ["systems or access required"],
  "escalation_reason": "why this needs a team"
}`

func escalationUserPrompt(req *out.ClassifyRequest, category, urgency string) string {
	return fmt.Sprintf("Category: %s\nUrgency: %s\nFrom: %s <%s>\nSubject: %s\n\nBody:\n%s",
		category, urgency, req.SenderName, req.Sender, req.Subject, req.Body)
}
