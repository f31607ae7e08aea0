package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/identity"
	"github.com/surveyhelp/backend/internal/models"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	// RoleService is carried by tokens minted for trusted backends.
	RoleService = "service"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifier checks a proof-of-personhood payload.
type Verifier interface {
	Verify(ctx context.Context, payload json.RawMessage, action, signal string) (*identity.Verification, error)
}

// Users finds or creates the user behind a verified identity.
type Users interface {
	FindOrCreateByNullifier(ctx context.Context, nullifier string) (*models.User, error)
}

type Service interface {
	Login(ctx context.Context, req LoginRequest) (*Session, error)
	IssueToken(userID uuid.UUID, role string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type LoginRequest struct {
	Payload json.RawMessage `json:"payload"`
	Action  string          `json:"action"`
	Signal  string          `json:"signal"`
}

type Session struct {
	Token  string    `json:"token"`
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
}

type Config struct {
	Secret      string
	TTL         time.Duration
	LoginAction string
}

type service struct {
	users    Users
	verifier Verifier
	secret   []byte
	ttl      time.Duration
	action   string
	log      *zap.Logger
	now      func() time.Time
}

func NewService(users Users, verifier Verifier, cfg Config, log *zap.Logger) (*service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.LoginAction == "" {
		cfg.LoginAction = "login"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &service{
		users:    users,
		verifier: verifier,
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TTL,
		action:   cfg.LoginAction,
		log:      log,
		now:      time.Now,
	}, nil
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Login verifies the proof and returns a session for the identity behind it,
// creating the user on first sight.
func (s *service) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	action := req.Action
	if action == "" {
		action = s.action
	}
	v, err := s.verifier.Verify(ctx, req.Payload, action, req.Signal)
	if err != nil {
		return nil, err
	}
	u, err := s.users.FindOrCreateByNullifier(ctx, v.NullifierHash)
	if err != nil {
		return nil, err
	}
	role := RoleUser
	if u.IsAdmin {
		role = RoleAdmin
	}
	tok, err := s.IssueToken(u.ID, role)
	if err != nil {
		return nil, err
	}
	s.log.Info("user logged in", zap.String("user_id", u.ID.String()), zap.String("role", role))
	return &Session{Token: tok, UserID: u.ID, Role: role}, nil
}

func (s *service) IssueToken(userID uuid.UUID, role string) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return uuid.Nil, "", errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", errors.Join(ErrInvalidToken, err)
	}
	role := c.Role
	if role == "" {
		role = RoleUser
	}
	return id, role, nil
}
