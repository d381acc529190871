// Package auth verifies bearer JWTs against a configured RSA or EC public
// key. It covers exactly the one use the streaming core needs — rejecting
// a WebSocket upgrade before a session.Connection is ever created — and
// deliberately does not implement the wider JOSE surface (no key rotation,
// no JWK sets, no refresh).
package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"
)

// Claims is the subset of registered JWT claims this service checks.
type Claims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

// Verifier checks a bearer token's signature and expiry against a single
// configured public key.
type Verifier struct {
	rsaKey *rsa.PublicKey
	ecKey  *ecdsa.PublicKey
}

// LoadVerifier reads a PEM-encoded public key (PKIX, RSA or EC) from path.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("jwt public key: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return &Verifier{rsaKey: key}, nil
	case *ecdsa.PublicKey:
		return &Verifier{ecKey: key}, nil
	default:
		return nil, fmt.Errorf("unsupported jwt public key type %T", pub)
	}
}

// Verify checks token's signature, algorithm and expiry, returning the
// decoded claims on success.
func (v *Verifier) Verify(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, errors.New("malformed token: expected header.payload.signature")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, fmt.Errorf("decode header: %w", err)
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Claims{}, fmt.Errorf("parse header: %w", err)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("decode signature: %w", err)
	}

	signingInput := parts[0] + "." + parts[1]
	if err := v.verifySignature(header.Alg, signingInput, sig); err != nil {
		return Claims{}, err
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("decode payload: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Claims{}, fmt.Errorf("parse payload: %w", err)
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return Claims{}, errors.New("token expired")
	}
	return claims, nil
}

func (v *Verifier) verifySignature(alg, signingInput string, sig []byte) error {
	sum := sha256.Sum256([]byte(signingInput))
	switch alg {
	case "RS256":
		if v.rsaKey == nil {
			return fmt.Errorf("token alg %s does not match configured key type", alg)
		}
		return rsa.VerifyPKCS1v15(v.rsaKey, crypto.SHA256, sum[:], sig)
	case "ES256":
		if v.ecKey == nil {
			return fmt.Errorf("token alg %s does not match configured key type", alg)
		}
		if len(sig) != 64 {
			return errors.New("malformed ES256 signature")
		}
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		if !ecdsa.Verify(v.ecKey, sum[:], r, s) {
			return errors.New("signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported alg %q", alg)
	}
}

// Middleware rejects requests lacking a valid bearer token before they
// reach next. The token may arrive in the Authorization header
// ("Bearer <token>") or, since browser WebSocket clients cannot set
// custom headers, the access_token query parameter.
func Middleware(v *Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := v.Verify(token); err != nil {
			http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}
