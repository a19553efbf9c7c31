package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionTTL    = time.Hour
	sessionIssuer = "mandate-kernel"
)

// tier orders caller privilege: none < control < admin.
type tier int

const (
	tierNone tier = iota
	tierControl
	tierAdmin
)

// deriveKey expands the admin secret into a purpose-bound key.
func deriveKey(secret string, nonce []byte, purpose string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nonce, []byte(purpose))
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("api: derive %s: %w", purpose, err)
	}
	return key, nil
}

// DeriveControlToken derives the per-run control token handed to the
// local agent shell. It never persists; a restart mints a fresh one.
func DeriveControlToken(adminSecret string, bootNonce []byte) (string, error) {
	key, err := deriveKey(adminSecret, bootNonce, "mandate/control-token", 32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// DeriveSessionSecret derives the HS256 signing key for operator session
// tokens from the same admin secret.
func DeriveSessionSecret(adminSecret string, bootNonce []byte) ([]byte, error) {
	return deriveKey(adminSecret, bootNonce, "mandate/session-keys", 32)
}

// Auth resolves request credentials to a privilege tier and mints
// operator session tokens. Resolution fails closed: no credentials, or
// credentials that match nothing, land on the lowest tier.
type Auth struct {
	adminToken   string
	controlToken string
	secret       []byte
	clock        func() time.Time
	log          *slog.Logger
}

// operatorClaims are the session token claims.
type operatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// NewAuth builds the credential resolver. An empty session secret gets a
// random per-boot key, which invalidates outstanding sessions on restart.
func NewAuth(adminToken, controlToken string, sessionSecret []byte, logger *slog.Logger) (*Auth, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(sessionSecret) == 0 {
		sessionSecret = make([]byte, 32)
		if _, err := rand.Read(sessionSecret); err != nil {
			return nil, fmt.Errorf("api: session secret: %w", err)
		}
	}
	return &Auth{
		adminToken:   adminToken,
		controlToken: controlToken,
		secret:       sessionSecret,
		clock:        time.Now,
		log:          logger.With("component", "api.auth"),
	}, nil
}

// MintSession issues a short-lived operator token. The handler calling
// this must already have verified admin credentials.
func (a *Auth) MintSession(operator string) (string, time.Time, error) {
	if operator == "" {
		operator = "operator"
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("api: session id: %w", err)
	}
	now := a.clock()
	expires := now.Add(sessionTTL)
	claims := &operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   operator,
			ID:        id.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: "operator",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("api: sign session: %w", err)
	}
	return token, expires, nil
}

func (a *Auth) verifySession(raw string) (*operatorClaims, error) {
	claims := &operatorClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// bearerToken pulls the credential out of the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// tierOf resolves the request's privilege tier. The admin token and a
// valid operator session both resolve to admin; the per-run control
// token resolves to control.
func (a *Auth) tierOf(r *http.Request) tier {
	raw := bearerToken(r)
	if raw == "" {
		return tierNone
	}
	if a.adminToken != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(a.adminToken)) == 1 {
		return tierAdmin
	}
	if strings.Count(raw, ".") == 2 {
		if _, err := a.verifySession(raw); err == nil {
			return tierAdmin
		}
		a.log.Debug("session token rejected")
	}
	if a.controlToken != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(a.controlToken)) == 1 {
		return tierControl
	}
	return tierNone
}

func (a *Auth) require(min tier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r) == "" {
			WriteUnauthorized(w, "")
			return
		}
		if a.tierOf(r) < min {
			WriteForbidden(w, "")
			return
		}
		next(w, r)
	}
}

// RequireAdmin guards operator surfaces: grants, overrides, escalation
// decisions, session minting.
func (a *Auth) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return a.require(tierAdmin, next)
}

// RequireControl guards the task-driving surfaces. The per-run control
// token passes; admin credentials pass too.
func (a *Auth) RequireControl(next http.HandlerFunc) http.HandlerFunc {
	return a.require(tierControl, next)
}
