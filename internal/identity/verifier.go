// Package identity checks proof-of-personhood payloads against the
// World ID developer portal.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/rates"
)

const DefaultVerifyURL = "https://developer.worldcoin.org/api/v2/verify"

var (
	// ErrVerificationFailed means the portal looked at the proof and refused it.
	ErrVerificationFailed = errors.New("identity verification failed")
	// ErrInvalidProof is a payload that is not shaped like a proof at all.
	ErrInvalidProof = fmt.Errorf("%w: invalid proof payload", rates.ErrValidation)
	// ErrUnavailable covers transport failures and portal-side errors.
	ErrUnavailable = errors.New("identity service unavailable")
)

const proofSchema = `{
	"type": "object",
	"required": ["merkle_root", "nullifier_hash", "proof"],
	"properties": {
		"merkle_root":        {"type": "string", "minLength": 1},
		"nullifier_hash":     {"type": "string", "minLength": 1},
		"proof":              {"type": "string", "minLength": 1},
		"verification_level": {"type": "string"},
		"credential_type":    {"type": "string"},
		"signal":             {"type": "string"}
	}
}`

type Config struct {
	AppID     string
	VerifyURL string
	APIKey    string
	Timeout   time.Duration
}

// Proof is the client-side result of a World ID verification.
type Proof struct {
	MerkleRoot        string `json:"merkle_root"`
	NullifierHash     string `json:"nullifier_hash"`
	Proof             string `json:"proof"`
	VerificationLevel string `json:"verification_level,omitempty"`
	CredentialType    string `json:"credential_type,omitempty"`
}

// Verification is a proof the portal accepted.
type Verification struct {
	NullifierHash     string
	VerificationLevel string
}

type Verifier struct {
	cfg    Config
	schema *jsonschema.Schema
	client *http.Client
	log    *zap.Logger
}

func NewVerifier(cfg Config, log *zap.Logger) (*Verifier, error) {
	if cfg.AppID == "" {
		return nil, errors.New("identity: app id is required")
	}
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = DefaultVerifyURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	schema, err := jsonschema.CompileString("https://surveyhelp.app/schemas/world-id-proof.json", proofSchema)
	if err != nil {
		return nil, fmt.Errorf("compile proof schema: %w", err)
	}
	return &Verifier{
		cfg:    cfg,
		schema: schema,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}, nil
}

type verifyRequest struct {
	NullifierHash     string `json:"nullifier_hash"`
	MerkleRoot        string `json:"merkle_root"`
	Proof             string `json:"proof"`
	VerificationLevel string `json:"verification_level,omitempty"`
	Action            string `json:"action"`
	SignalHash        string `json:"signal_hash"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Detail  string `json:"detail"`
}

// Verify checks payload for action and signal.
func (v *Verifier) Verify(ctx context.Context, payload json.RawMessage, action, signal string) (*Verification, error) {
	if action == "" {
		return nil, fmt.Errorf("%w: action is required", rates.ErrValidation)
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	var p Proof
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	body, err := json.Marshal(verifyRequest{
		NullifierHash:     p.NullifierHash,
		MerkleRoot:        p.MerkleRoot,
		Proof:             p.Proof,
		VerificationLevel: p.VerificationLevel,
		Action:            action,
		SignalHash:        HashToField([]byte(signal)),
	})
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(v.cfg.VerifyURL, "/") + "/" + v.cfg.AppID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.cfg.APIKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	var out verifyResponse
	_ = json.Unmarshal(raw, &out)
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: portal returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300 || !out.Success:
		v.log.Info("proof rejected",
			zap.String("action", action),
			zap.Int("status", resp.StatusCode),
			zap.String("code", out.Code))
		if out.Detail != "" {
			return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, out.Detail)
		}
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, out.Code)
	}
	return &Verification{NullifierHash: p.NullifierHash, VerificationLevel: p.VerificationLevel}, nil
}

// HashToField maps arbitrary bytes into the proof system's scalar field:
// keccak256 shifted right by 8 bits, as a 0x-prefixed 32-byte hex string.
func HashToField(b []byte) string {
	n := new(big.Int).SetBytes(crypto.Keccak256(b))
	n.Rsh(n, 8)
	return fmt.Sprintf("0x%064x", n)
}
