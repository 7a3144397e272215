// Package auth implements the credential lifecycle for the Apple
// Business/School Manager API: ES256 client-assertion signing, encrypted
// token caching, and token acquisition with the exchange retry policy.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// assertionAudience is the fixed token-exchange audience Apple expects
	// in the client assertion's aud claim.
	assertionAudience = "https://account.apple.com/auth/oauth2/v2/token"

	// assertionLifetime is how far in the future the assertion's exp claim
	// is set. Apple accepts assertions up to 180 days old.
	assertionLifetime = 180 * 24 * time.Hour

	// nonceBytes is the length of the random jti nonce.
	nonceBytes = 16
)

// Credentials identifies this client to the authorization server.
// Loaded once at startup; never logged.
type Credentials struct {
	ClientID        string
	KeyID           string
	PrivateKeyPath  string
	Scope           string
	CachePassphrase string
}

// KeyLoadError wraps a failure to read or parse the signing key.
type KeyLoadError struct {
	Err error
}

func (e *KeyLoadError) Error() string { return "loading private key: " + e.Err.Error() }
func (e *KeyLoadError) Unwrap() error { return e.Err }

// SigningError wraps a failure to build or sign the client assertion.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string { return "signing client assertion: " + e.Err.Error() }
func (e *SigningError) Unwrap() error { return e.Err }

// LoadSigningKey reads a PEM-encoded elliptic-curve private key from path.
func LoadSigningKey(path string) (jwk.Key, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Err: err}
	}

	key, err := jwk.ParseKey(pemBytes, jwk.WithPEM(true))
	if err != nil {
		return nil, &KeyLoadError{Err: err}
	}

	return key, nil
}

// BuildAssertion constructs and signs a fresh client assertion for the
// given credentials. Every call produces a distinct assertion: the jti
// nonce is random and the timestamps are taken at call time. The
// assertion is never persisted.
func BuildAssertion(creds Credentials) (string, error) {
	key, err := LoadSigningKey(creds.PrivateKeyPath)
	if err != nil {
		return "", err
	}

	now := time.Now()

	tok, err := jwt.NewBuilder().
		Issuer(creds.ClientID).
		Subject(creds.ClientID).
		Audience([]string{assertionAudience}).
		IssuedAt(now).
		Expiration(now.Add(assertionLifetime)).
		JwtID(newNonce()).
		Build()
	if err != nil {
		return "", &SigningError{Err: err}
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.KeyIDKey, creds.KeyID); err != nil {
		return "", &SigningError{Err: err}
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256, key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", &SigningError{Err: err}
	}

	return string(signed), nil
}

// newNonce generates a cryptographically random hex nonce for the jti claim.
func newNonce() string {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
