package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	godid "github.com/whyrusleeping/go-did"

	"github.com/miid-sh/miid/did"
	"github.com/miid-sh/miid/models"
	"github.com/miid-sh/miid/store"
)

const (
	testDid          = "did:miid:alice"
	testClientID     = "client-demo"
	testClientSecret = "dev-service-secret"
	testServiceID    = "svc-demo"
	testRedirectURI  = "https://demo.example/cb"
)

type testEnv struct {
	t      *testing.T
	srv    *Server
	base   string
	wallet *httptest.Server
	key    *godid.PrivKey
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	db, err := store.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)

	resolver := did.NewMultiResolver()
	resolver.AddHandler("miid", did.NewWalletResolver())

	srv, err := NewServer(db, resolver, []byte("jwtsecretplaceholder"), cfg)
	require.NoError(t, err)

	li, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.RunAPIWithListener(li)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key := &godid.PrivKey{Raw: priv, Type: godid.KeyTypeEd25519}

	wallet := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"did":                  testDid,
			"public_key_multibase": key.Public().MultibaseString(),
			"profile": map[string]any{
				"name":     map[string]any{"value": "Alice"},
				"email":    map[string]any{"value": "alice@example.com"},
				"nickname": map[string]any{"value": "ali"},
			},
		})
	}))
	t.Cleanup(wallet.Close)

	env := &testEnv{
		t:      t,
		srv:    srv,
		base:   "http://" + li.Addr().String(),
		wallet: wallet,
		key:    key,
	}
	env.seedService()
	return env
}

func (e *testEnv) seedService() {
	e.t.Helper()
	err := e.srv.Store().PutServiceClient(context.TODO(), &models.ServiceClient{
		ClientID:        testClientID,
		ServiceID:       testServiceID,
		ClientSecret:    testClientSecret,
		RedirectURIs:    []string{testRedirectURI},
		DefaultScopes:   []string{"profile", "email"},
		RequestedClaims: []string{"name", "email", "nickname"},
		ServiceVersion:  1,
	})
	require.NoError(e.t, err)
}

// do issues a request and decodes the JSON body. Headers come in key, value
// pairs.
func (e *testEnv) do(method, path string, body any, headers ...string) (int, map[string]any) {
	e.t.Helper()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.base+path, rd)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	if len(raw) > 0 {
		require.NoError(e.t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

func (e *testEnv) doService(method, path string, body any, headers ...string) (int, map[string]any) {
	headers = append(headers, "client-id", testClientID, "client-secret", testClientSecret)
	return e.do(method, path, body, headers...)
}

// createChallenge makes a pending challenge for the seeded service.
func (e *testEnv) createChallenge(didHint string, scopes []string, claims []string) map[string]any {
	e.t.Helper()
	status, body := e.doService(http.MethodPost, "/v1/auth/challenge", map[string]any{
		"service_id":       testServiceID,
		"client_id":        testClientID,
		"redirect_uri":     testRedirectURI,
		"scopes":           scopes,
		"requested_claims": claims,
		"did_hint":         didHint,
	})
	require.Equal(e.t, http.StatusCreated, status, "body: %v", body)
	return body
}

// sign produces the wallet's signature over the challenge payload, using the
// exact expires_at string the gateway returned.
func (e *testEnv) sign(challengeID, nonce, expiresAt string) string {
	e.t.Helper()
	payload, err := did.SignedPayload{
		ChallengeID: challengeID,
		Nonce:       nonce,
		Audience:    testClientID,
		ExpiresAt:   expiresAt,
	}.Bytes()
	require.NoError(e.t, err)
	sig, err := e.key.Sign(payload)
	require.NoError(e.t, err)
	return base64.RawURLEncoding.EncodeToString(sig)
}

func (e *testEnv) approve(ch map[string]any, approvedClaims []string) map[string]any {
	e.t.Helper()
	id := ch["challenge_id"].(string)
	sig := e.sign(id, ch["nonce"].(string), ch["expires_at"].(string))
	status, body := e.do(http.MethodPost, "/v1/wallet/challenges/"+id+"/approve", map[string]any{
		"did":             testDid,
		"signature":       sig,
		"wallet_url":      e.wallet.URL,
		"approved_claims": approvedClaims,
	})
	require.Equal(e.t, http.StatusOK, status, "body: %v", body)
	return body
}

func (e *testEnv) exchange(code string) (int, map[string]any) {
	e.t.Helper()
	return e.doService(http.MethodPost, "/v1/token/exchange", map[string]any{
		"grant_type":   "authorization_code",
		"code":         code,
		"client_id":    testClientID,
		"redirect_uri": testRedirectURI,
	})
}

// expireChallengeRow backdates a challenge so expiry paths can run without
// sleeping through the TTL.
func (e *testEnv) expireChallengeRow(id string) {
	e.t.Helper()
	err := e.srv.db.Model(&models.Challenge{}).
		Where("id = ?", id).
		Update("expires_at", store.Now().Add(-time.Minute)).Error
	require.NoError(e.t, err)
}

func strSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, x := range arr {
		out = append(out, fmt.Sprint(x))
	}
	return out
}
