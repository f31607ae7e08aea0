package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveyhelp/backend/internal/rates"
)

const validProof = `{"merkle_root":"0x1","nullifier_hash":"0xabc","proof":"0xdead","verification_level":"orb"}`

func newTestVerifier(t *testing.T, h http.HandlerFunc) *Verifier {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	v, err := NewVerifier(Config{AppID: "app_test", VerifyURL: srv.URL + "/api/v2/verify", APIKey: "key"}, nil)
	require.NoError(t, err)
	return v
}

func TestVerify_Success(t *testing.T) {
	var got verifyRequest
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/verify/app_test", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	res, err := v.Verify(context.Background(), json.RawMessage(validProof), "login", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.NullifierHash)
	assert.Equal(t, "orb", res.VerificationLevel)
	assert.Equal(t, "login", got.Action)
	assert.Equal(t, HashToField([]byte("user-1")), got.SignalHash)
	assert.Equal(t, "0xdead", got.Proof)
}

func TestVerify_Rejected(t *testing.T) {
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid_proof","detail":"The provided proof is invalid."}`))
	})
	_, err := v.Verify(context.Background(), json.RawMessage(validProof), "login", "")
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Contains(t, err.Error(), "The provided proof is invalid.")
}

func TestVerify_PortalDown(t *testing.T) {
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := v.Verify(context.Background(), json.RawMessage(validProof), "login", "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrVerificationFailed)
}

func TestVerify_MalformedPayloadNeverLeavesProcess(t *testing.T) {
	called := false
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	for _, payload := range []string{
		`not json`,
		`{"merkle_root":"0x1","proof":"0x2"}`,
		`{"merkle_root":"0x1","nullifier_hash":"","proof":"0x2"}`,
		`{"merkle_root":1,"nullifier_hash":"0x1","proof":"0x2"}`,
	} {
		_, err := v.Verify(context.Background(), json.RawMessage(payload), "login", "")
		assert.ErrorIs(t, err, ErrInvalidProof, payload)
		assert.ErrorIs(t, err, rates.ErrValidation, payload)
	}
	_, err := v.Verify(context.Background(), json.RawMessage(validProof), "", "")
	assert.ErrorIs(t, err, rates.ErrValidation)
	assert.False(t, called)
}

func TestHashToField(t *testing.T) {
	h := HashToField(nil)
	assert.Len(t, h, 66)
	assert.True(t, strings.HasPrefix(h, "0x00"), h)
	assert.NotEqual(t, h, HashToField([]byte("x")))
}

func TestNewVerifier_RequiresAppID(t *testing.T) {
	_, err := NewVerifier(Config{}, nil)
	assert.Error(t, err)
}
