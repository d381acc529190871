package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeRSAKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	dir := t.TempDir()
	path := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return priv, path
}

func signRS256(t *testing.T, priv *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	claimsJSON, err := json.Marshal(claims)
	require.NoError(t, err)

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	sum := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, sum[:])
	require.NoError(t, err)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	priv, path := writeRSAKeyPair(t)
	v, err := LoadVerifier(path)
	require.NoError(t, err)

	token := signRS256(t, priv, Claims{Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour).Unix()})
	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	priv, path := writeRSAKeyPair(t)
	v, err := LoadVerifier(path)
	require.NoError(t, err)

	token := signRS256(t, priv, Claims{Subject: "user-1", ExpiresAt: time.Now().Add(-time.Hour).Unix()})
	_, err = v.Verify(token)
	require.ErrorContains(t, err, "expired")
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	priv, path := writeRSAKeyPair(t)
	v, err := LoadVerifier(path)
	require.NoError(t, err)

	token := signRS256(t, priv, Claims{Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour).Unix()})
	token = token[:len(token)-2] + "xx"
	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsTokenSignedByOtherKey(t *testing.T) {
	otherPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	_, path := writeRSAKeyPair(t)
	v, err := LoadVerifier(path)
	require.NoError(t, err)

	token := signRS256(t, otherPriv, Claims{Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour).Unix()})
	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	_, path := writeRSAKeyPair(t)
	v, err := LoadVerifier(path)
	require.NoError(t, err)

	handler := Middleware(v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsQueryParamToken(t *testing.T) {
	priv, path := writeRSAKeyPair(t)
	v, err := LoadVerifier(path)
	require.NoError(t, err)

	token := signRS256(t, priv, Claims{Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour).Unix()})
	called := false
	handler := Middleware(v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/?access_token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}
