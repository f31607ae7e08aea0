package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveyhelp/backend/internal/identity"
	"github.com/surveyhelp/backend/internal/models"
)

type stubVerifier struct {
	nullifier string
	err       error
	action    string
}

func (s *stubVerifier) Verify(_ context.Context, _ json.RawMessage, action, _ string) (*identity.Verification, error) {
	s.action = action
	if s.err != nil {
		return nil, s.err
	}
	return &identity.Verification{NullifierHash: s.nullifier}, nil
}

type stubUsers struct {
	byNullifier map[string]*models.User
}

func (s *stubUsers) FindOrCreateByNullifier(_ context.Context, n string) (*models.User, error) {
	if u, ok := s.byNullifier[n]; ok {
		return u, nil
	}
	u := &models.User{ID: uuid.New()}
	s.byNullifier[n] = u
	return u, nil
}

func newService(t *testing.T, v *stubVerifier) (*service, *stubUsers) {
	t.Helper()
	users := &stubUsers{byNullifier: map[string]*models.User{}}
	svc, err := NewService(users, v, Config{Secret: "test-secret", TTL: time.Hour}, nil)
	require.NoError(t, err)
	return svc, users
}

func TestLogin_CreatesThenReusesUser(t *testing.T) {
	v := &stubVerifier{nullifier: "0xabc"}
	svc, _ := newService(t, v)
	ctx := context.Background()

	first, err := svc.Login(ctx, LoginRequest{Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "login", v.action)
	assert.Equal(t, RoleUser, first.Role)

	second, err := svc.Login(ctx, LoginRequest{Payload: json.RawMessage(`{}`), Action: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", v.action)
	assert.Equal(t, first.UserID, second.UserID)

	id, role, err := svc.ValidateToken(ctx, second.Token)
	require.NoError(t, err)
	assert.Equal(t, first.UserID, id)
	assert.Equal(t, RoleUser, role)
}

func TestLogin_AdminRole(t *testing.T) {
	svc, users := newService(t, &stubVerifier{nullifier: "0xadmin"})
	users.byNullifier["0xadmin"] = &models.User{ID: uuid.New(), IsAdmin: true}

	sess, err := svc.Login(context.Background(), LoginRequest{Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, sess.Role)
}

func TestLogin_VerificationFailure(t *testing.T) {
	svc, users := newService(t, &stubVerifier{err: identity.ErrVerificationFailed})
	_, err := svc.Login(context.Background(), LoginRequest{Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, identity.ErrVerificationFailed)
	assert.Empty(t, users.byNullifier)
}

func TestValidateToken_Rejects(t *testing.T) {
	svc, _ := newService(t, &stubVerifier{})
	ctx := context.Background()
	user := uuid.New()

	other, err := NewService(nil, nil, Config{Secret: "other"}, nil)
	require.NoError(t, err)
	foreign, err := other.IssueToken(user, RoleAdmin)
	require.NoError(t, err)
	_, _, err = svc.ValidateToken(ctx, foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	tok, err := svc.IssueToken(user, RoleUser)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, _, err = svc.ValidateToken(ctx, tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = svc.ValidateToken(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewService_RequiresSecret(t *testing.T) {
	_, err := NewService(nil, nil, Config{}, nil)
	assert.Error(t, err)
}

func TestHandlerLogin(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"ok", `{"payload":{"proof":"0x1"}}`, nil, http.StatusOK},
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"missing payload", `{}`, nil, http.StatusBadRequest},
		{"invalid proof", `{"payload":{}}`, identity.ErrInvalidProof, http.StatusBadRequest},
		{"rejected", `{"payload":{}}`, identity.ErrVerificationFailed, http.StatusUnauthorized},
		{"portal down", `{"payload":{}}`, identity.ErrUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newService(t, &stubVerifier{nullifier: "0x1", err: tc.err})
			h := NewHandler(svc, nil)
			rec := httptest.NewRecorder()
			h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(tc.body)))
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			if tc.want == http.StatusOK {
				var sess Session
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))
				assert.NotEmpty(t, sess.Token)
			}
		})
	}
}
