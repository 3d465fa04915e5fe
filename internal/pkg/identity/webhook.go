package identity

import (
	"encoding/json"
	"strings"

	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
)

const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// WebhookEvent is a user lifecycle notification from the identity provider.
type WebhookEvent struct {
	Type     string
	Identity Identity
}

type webhookEnvelope struct {
	Type string      `json:"type"`
	Data webhookUser `json:"data"`
}

type webhookUser struct {
	ID                    string `json:"id"`
	PrimaryEmailAddressID string `json:"primary_email_address_id"`
	EmailAddresses        []struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

// primaryEmail picks the address flagged as primary, falling back to the
// first one listed.
func (u webhookUser) primaryEmail() string {
	for _, e := range u.EmailAddresses {
		if e.ID != "" && e.ID == u.PrimaryEmailAddressID {
			return e.EmailAddress
		}
	}
	if len(u.EmailAddresses) > 0 {
		return u.EmailAddresses[0].EmailAddress
	}
	return ""
}

// ParseWebhook decodes an identity provider delivery. Deleted users carry no
// email.
func ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, apperr.Invalid("malformed identity webhook")
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, apperr.Invalid("identity webhook without type")
	}
	return &WebhookEvent{
		Type: env.Type,
		Identity: Identity{
			ID:    strings.TrimSpace(env.Data.ID),
			Email: strings.TrimSpace(env.Data.primaryEmail()),
		},
	}, nil
}
