package server

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phaserudder/phaserudder/pkg/types"
)

const (
	testIssuer   = "https://accounts.example.com"
	testAudience = "test-audience"
)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func generateTestToken(t *testing.T, priv *rsa.PrivateKey, audience, email, subject string, expiry time.Time) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: priv},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"iss":   testIssuer,
		"aud":   audience,
		"sub":   subject,
		"email": email,
		"iat":   time.Now().Unix(),
		"exp":   expiry.Unix(),
	})
	require.NoError(t, err)

	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	token, err := jws.CompactSerialize()
	require.NoError(t, err)
	return token
}

func testVerifier(priv *rsa.PrivateKey) tokenVerifier {
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&priv.PublicKey}}
	return oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: testAudience}).Verify
}

func TestAuthMiddleware(t *testing.T) {
	priv := newTestKey(t)
	ts := newTestServer(t)
	ts.srv.bypassAuth = false
	ts.srv.oidcVerifiers = map[string]tokenVerifier{"google": testVerifier(priv)}
	ts.srv.ingestEmails = []string{"meter@example.com"}
	handler := ts.srv.setupHandler()

	body := `{"houseID":"h1","phase":"L1","voltage":230,"powerKW":1.5}`
	post := func(authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(body))
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("GET Is Public", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Missing Header", func(t *testing.T) {
		w := post("")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "missing authorization header", decode[map[string]string](t, w)["error"])
	})

	t.Run("Not Bearer", func(t *testing.T) {
		w := post("Basic dXNlcjpwYXNz")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid authorization header", decode[map[string]string](t, w)["error"])
	})

	t.Run("Invalid Token", func(t *testing.T) {
		w := post("Bearer not-a-token")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid auth token", decode[map[string]string](t, w)["error"])
	})

	t.Run("Wrong Audience", func(t *testing.T) {
		token := generateTestToken(t, priv, "other", "meter@example.com", "m1", time.Now().Add(time.Hour))
		w := post("Bearer " + token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Expired", func(t *testing.T) {
		token := generateTestToken(t, priv, testAudience, "meter@example.com", "m1", time.Now().Add(-time.Hour))
		w := post("Bearer " + token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Other Key", func(t *testing.T) {
		token := generateTestToken(t, newTestKey(t), testAudience, "meter@example.com", "m1", time.Now().Add(time.Hour))
		w := post("Bearer " + token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Email Not Allowed", func(t *testing.T) {
		token := generateTestToken(t, priv, testAudience, "someone@example.com", "s1", time.Now().Add(time.Hour))
		w := post("Bearer " + token)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, ts.c.Houses())
	})

	t.Run("Valid", func(t *testing.T) {
		token := generateTestToken(t, priv, testAudience, "meter@example.com", "m1", time.Now().Add(time.Hour))
		w := post("Bearer " + token)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[telemetryResponse](t, w)
		assert.Equal(t, types.PhaseL1, resp.NewPhase)
	})

	t.Run("Email In Context", func(t *testing.T) {
		token := generateTestToken(t, priv, testAudience, "meter@example.com", "m1", time.Now().Add(time.Hour))
		var got string
		h := ts.srv.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = r.Context().Value(emailContextKey).(string)
		}))
		req := httptest.NewRequest(http.MethodPost, "/api/cycle", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, "meter@example.com", got)
	})
}

func TestAuthenticateToken(t *testing.T) {
	priv := newTestKey(t)

	t.Run("No Verifiers", func(t *testing.T) {
		s := &Server{}
		_, _, err := s.authenticateToken(t.Context(), "anything")
		assert.Error(t, err)
	})

	t.Run("Second Verifier Accepts", func(t *testing.T) {
		s := &Server{oidcVerifiers: map[string]tokenVerifier{
			"apple":  testVerifier(newTestKey(t)),
			"google": testVerifier(priv),
		}}
		token := generateTestToken(t, priv, testAudience, "meter@example.com", "m1", time.Now().Add(time.Hour))
		email, subject, err := s.authenticateToken(t.Context(), token)
		require.NoError(t, err)
		assert.Equal(t, "meter@example.com", email)
		assert.Equal(t, "m1", subject)
	})

	t.Run("All Fail", func(t *testing.T) {
		s := &Server{oidcVerifiers: map[string]tokenVerifier{
			"apple":  testVerifier(newTestKey(t)),
			"google": testVerifier(newTestKey(t)),
		}}
		token := generateTestToken(t, priv, testAudience, "meter@example.com", "m1", time.Now().Add(time.Hour))
		_, _, err := s.authenticateToken(t.Context(), token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "apple verifier failed")
		assert.Contains(t, err.Error(), "google verifier failed")
	})
}
