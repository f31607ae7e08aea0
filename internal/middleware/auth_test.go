package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/surveyhelp/backend/internal/auth"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubValidator struct {
	id   uuid.UUID
	role string
	err  error
}

func (s *stubValidator) ValidateToken(_ context.Context, _ string) (uuid.UUID, string, error) {
	return s.id, s.role, s.err
}

// okHandler writes 200 and the principal's role (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if p := PrincipalFromCtx(r.Context()); p != nil {
		w.Write([]byte(p.Role))
	}
})

func serve(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// BearerAuth
// ---------------------------------------------------------------------------

func TestBearerAuth_ValidToken(t *testing.T) {
	v := &stubValidator{id: uuid.New(), role: auth.RoleUser}
	rec := serve(BearerAuth(v)(okHandler), "Bearer good")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != auth.RoleUser {
		t.Errorf("expected role %q in body, got %q", auth.RoleUser, body)
	}
}

func TestBearerAuth_MissingHeader(t *testing.T) {
	rec := serve(BearerAuth(&stubValidator{})(okHandler), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerAuth_MalformedHeader(t *testing.T) {
	rec := serve(BearerAuth(&stubValidator{})(okHandler), "Basic abc")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerAuth_InvalidToken(t *testing.T) {
	rec := serve(BearerAuth(&stubValidator{err: errors.New("expired")})(okHandler), "Bearer bad")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// RequireAdmin
// ---------------------------------------------------------------------------

func TestRequireAdmin(t *testing.T) {
	for _, tc := range []struct {
		role string
		want int
	}{
		{auth.RoleAdmin, http.StatusOK},
		{auth.RoleUser, http.StatusForbidden},
		{auth.RoleService, http.StatusForbidden},
	} {
		v := &stubValidator{id: uuid.New(), role: tc.role}
		rec := serve(BearerAuth(v)(RequireAdmin(okHandler)), "Bearer t")
		if rec.Code != tc.want {
			t.Errorf("role %s: expected %d, got %d", tc.role, tc.want, rec.Code)
		}
	}

	rec := serve(RequireAdmin(okHandler), "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no principal: expected 401, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// ServiceAuth
// ---------------------------------------------------------------------------

func TestServiceAuth_SharedToken(t *testing.T) {
	v := &stubValidator{err: errors.New("not a jwt")}
	rec := serve(ServiceAuth("s3cret", v)(okHandler), "Bearer s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != auth.RoleService {
		t.Errorf("expected service principal, got %q", body)
	}

	rec = serve(ServiceAuth("s3cret", v)(okHandler), "Bearer wrong")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestServiceAuth_EmptySharedTokenNeverMatches(t *testing.T) {
	v := &stubValidator{err: errors.New("not a jwt")}
	rec := serve(ServiceAuth("", v)(okHandler), "Bearer ")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestServiceAuth_JWTRoles(t *testing.T) {
	for _, tc := range []struct {
		role string
		want int
	}{
		{auth.RoleService, http.StatusOK},
		{auth.RoleAdmin, http.StatusOK},
		{auth.RoleUser, http.StatusForbidden},
	} {
		v := &stubValidator{id: uuid.New(), role: tc.role}
		rec := serve(ServiceAuth("s3cret", v)(okHandler), "Bearer jwt")
		if rec.Code != tc.want {
			t.Errorf("role %s: expected %d, got %d", tc.role, tc.want, rec.Code)
		}
	}
}
