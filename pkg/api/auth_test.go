package api

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := NewAuth("admin-secret", "control-secret", []byte("0123456789abcdef0123456789abcdef"), discardLogger())
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	return a
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestTierResolution(t *testing.T) {
	a := newTestAuth(t)

	cases := []struct {
		name  string
		token string
		want  tier
	}{
		{"admin token", "admin-secret", tierAdmin},
		{"control token", "control-secret", tierControl},
		{"garbage", "not-a-credential", tierNone},
		{"no credentials", "", tierNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, a.tierOf(bearerRequest(tc.token)))
		})
	}
}

func TestUnconfiguredTokensResolveNothing(t *testing.T) {
	a, err := NewAuth("", "", nil, discardLogger())
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	// An empty configured token must not match an empty or any other
	// presented credential.
	assert.Equal(t, tierNone, a.tierOf(bearerRequest("admin-secret")))
	assert.Equal(t, tierNone, a.tierOf(bearerRequest("")))
}

func TestSessionRoundtrip(t *testing.T) {
	a := newTestAuth(t)

	token, expires, err := a.MintSession("casey")
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}
	assert.WithinDuration(t, time.Now().Add(sessionTTL), expires, 5*time.Second)

	claims, err := a.verifySession(token)
	if err != nil {
		t.Fatalf("verify session: %v", err)
	}
	assert.Equal(t, "casey", claims.Subject)
	assert.Equal(t, "operator", claims.Role)
	assert.Equal(t, sessionIssuer, claims.Issuer)

	assert.Equal(t, tierAdmin, a.tierOf(bearerRequest(token)))
}

func TestSessionExpires(t *testing.T) {
	a := newTestAuth(t)
	token, _, err := a.MintSession("casey")
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}

	a.clock = func() time.Time { return time.Now().Add(sessionTTL + time.Minute) }
	_, err = a.verifySession(token)
	assert.Error(t, err)
	assert.Equal(t, tierNone, a.tierOf(bearerRequest(token)))
}

func TestSessionRejectsForeignKey(t *testing.T) {
	a := newTestAuth(t)
	token, _, err := a.MintSession("casey")
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}

	other, err := NewAuth("admin-secret", "control-secret", []byte("another-signing-key-entirely...."), discardLogger())
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	assert.Equal(t, tierNone, other.tierOf(bearerRequest(token)))
}

func TestRequireTiers(t *testing.T) {
	a := newTestAuth(t)
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

	cases := []struct {
		name    string
		handler http.HandlerFunc
		token   string
		want    int
	}{
		{"admin surface without credentials", a.RequireAdmin(ok), "", http.StatusUnauthorized},
		{"admin surface with control token", a.RequireAdmin(ok), "control-secret", http.StatusForbidden},
		{"admin surface with admin token", a.RequireAdmin(ok), "admin-secret", http.StatusOK},
		{"control surface with control token", a.RequireControl(ok), "control-secret", http.StatusOK},
		{"control surface with admin token", a.RequireControl(ok), "admin-secret", http.StatusOK},
		{"control surface with garbage", a.RequireControl(ok), "nope", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.handler(rec, bearerRequest(tc.token))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, bearerToken(r), "only the Bearer scheme carries kernel credentials")

	r.Header.Set("Authorization", "Bearer  abc123 ")
	assert.Equal(t, "abc123", bearerToken(r))
}

func TestDeriveControlToken(t *testing.T) {
	nonce := []byte("boot-nonce-1")

	one, err := DeriveControlToken("admin-secret", nonce)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	two, err := DeriveControlToken("admin-secret", nonce)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	assert.Equal(t, one, two, "same secret and nonce derive the same token")
	assert.Len(t, one, 64)

	fresh, err := DeriveControlToken("admin-secret", []byte("boot-nonce-2"))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	assert.NotEqual(t, one, fresh, "a new boot nonce rotates the token")

	session, err := DeriveSessionSecret("admin-secret", nonce)
	if err != nil {
		t.Fatalf("derive session secret: %v", err)
	}
	assert.NotEqual(t, one, hex.EncodeToString(session), "purposes must not collide")
}
