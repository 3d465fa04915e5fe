package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
)

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantType  string
		wantID    string
		wantEmail string
	}{
		{
			name:      "primary email wins",
			payload:   `{"type":"user.created","data":{"id":"user_1","primary_email_address_id":"e2","email_addresses":[{"id":"e1","email_address":"old@example.com"},{"id":"e2","email_address":"Rex@Example.com"}]}}`,
			wantType:  EventUserCreated,
			wantID:    "user_1",
			wantEmail: "Rex@Example.com",
		},
		{
			name:      "falls back to first email",
			payload:   `{"type":"user.updated","data":{"id":"user_2","email_addresses":[{"id":"e1","email_address":"bella@example.com"}]}}`,
			wantType:  EventUserUpdated,
			wantID:    "user_2",
			wantEmail: "bella@example.com",
		},
		{
			name:     "deleted user has no email",
			payload:  `{"type":"user.deleted","data":{"id":"user_3","deleted":true}}`,
			wantType: EventUserDeleted,
			wantID:   "user_3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseWebhook([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantID, ev.Identity.ID)
			assert.Equal(t, tt.wantEmail, ev.Identity.Email)
		})
	}
}

func TestParseWebhookRejectsGarbage(t *testing.T) {
	_, err := ParseWebhook([]byte(`not json`))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = ParseWebhook([]byte(`{"data":{"id":"user_1"}}`))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
