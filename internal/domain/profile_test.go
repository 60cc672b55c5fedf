package domain

import (
	"testing"
	"time"
)

func TestProfileConfigured(t *testing.T) {
	tests := []struct {
		name    string
		profile *Profile
		want    bool
	}{
		{"nil profile", nil, false},
		{"configured", &Profile{FirstName: "Ana", IsConfigured: true}, true},
		{"marker missing", &Profile{FirstName: "Ana"}, false},
		{"empty identity", &Profile{IsConfigured: true}, false},
		{"blank identity", &Profile{FirstName: "   ", IsConfigured: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.profile.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProfileIdentitySummaryTrims(t *testing.T) {
	p := &Profile{FirstName: "  Ana "}
	if got := p.IdentitySummary(); got != "Ana" {
		t.Errorf("IdentitySummary() = %q, want %q", got, "Ana")
	}
}

func TestConversationAppend(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var c Conversation
	c.Append(RoleUser, "what should I wear?", at)
	c.Append(RoleAssistant, "the navy blazer", at.Add(time.Second))

	if len(c.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(c.Messages))
	}
	if !c.UpdatedAt.Equal(at.Add(time.Second)) {
		t.Errorf("UpdatedAt = %v, want %v", c.UpdatedAt, at.Add(time.Second))
	}
}
