package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erauner12/crmsync/internal/digest"
	"github.com/erauner12/crmsync/internal/store"
)

type stubRoles map[string]store.Role

func (r stubRoles) GetRole(_ context.Context, userID string) (store.Role, error) {
	if role, ok := r[userID]; ok {
		return role, nil
	}
	return store.RoleRecruiter, nil
}

func privilegedServer(roles stubRoles) *Server {
	return &Server{
		Builder: &digest.Builder{PrivilegedAudiences: map[string]bool{"executive": true}},
		Roles:   roles,
	}
}

func TestCreateSubscriptionRejectsPrivilegedAudience(t *testing.T) {
	s := privilegedServer(stubRoles{"recruiter@firm.co": store.RoleRecruiter})

	body := `{"user_id":"recruiter@firm.co","recipient":"#digests",` +
		`"audience":"executive","cadence":"weekly","timezone":"UTC"}`
	req := httptest.NewRequest("POST", "/admin/subscriptions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.HandleCreateSubscription(rec, req)

	if rec.Code != 403 {
		t.Errorf("status = %d, want 403 for recruiter creating an executive subscription", rec.Code)
	}
}

func TestAudienceGate(t *testing.T) {
	s := privilegedServer(stubRoles{
		"ceo@firm.co": store.RoleExecutive,
		"ops@firm.co": store.RoleAdmin,
	})

	tests := []struct {
		userID   string
		audience string
		wantCode int
	}{
		{"ceo@firm.co", "executive", 0},
		{"ops@firm.co", "executive", 0},
		{"recruiter@firm.co", "executive", 403},
		{"recruiter@firm.co", "recruiting", 0},
	}
	for _, tt := range tests {
		code, _ := s.audienceGate(context.Background(), tt.userID, tt.audience)
		if code != tt.wantCode {
			t.Errorf("audienceGate(%s, %s) = %d, want %d", tt.userID, tt.audience, code, tt.wantCode)
		}
	}
}
