package out

import (
	"context"
)

// GroupSpec describes a group to be created on the chat platform.
type GroupSpec struct {
	DisplayName string   `json:"display_name"`
	Description string   `json:"description,omitempty"`
	Owner       string   `json:"owner"`
	Members     []string `json:"members"`
}

// ChatGateway is the outbound port to the chat platform used for
// escalations.
type ChatGateway interface {
	// CreateGroup provisions a group and returns its platform id.
	// Provisioning is eventually consistent; implementations poll for
	// readiness before returning.
	CreateGroup(ctx context.Context, spec *GroupSpec) (string, error)

	// PostMessage posts a message into an existing group.
	PostMessage(ctx context.Context, groupID, content string) error

	// ArchiveGroup archives a resolved group. Tolerates "already archived".
	ArchiveGroup(ctx context.Context, groupID string) error
}
