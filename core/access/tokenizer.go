package access

import (
	"crypto/ed25519"
	"crypto/rand"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Tokenizer issues and verifies the bearer tokens of the backend.
//
// It signs an Identity claim with an Ed25519 keypair that is generated once
// at process start and held for the process's entire lifetime. A restart
// generates a new keypair, so tokens expire after the configured duration
// or when the server restarts, whichever comes first.
type Tokenizer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration
}

type tokenClaims struct {
	Identity
	jwt.RegisteredClaims
}

// NewTokenizer generates a fresh EdDSA keypair. The ttl applies to every
// token issued by this tokenizer.
func NewTokenizer(ttl time.Duration) *Tokenizer {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return &Tokenizer{
		privateKey: privateKey,
		publicKey:  publicKey,
		ttl:        ttl,
	}
}

// Generate signs the identity and returns the bearer token.
func (t *Tokenizer) Generate(identity Identity) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(t.privateKey)
}

// Verify checks signature and expiration and returns the embedded identity.
// A malformed, expired or wrongly signed token all collapse into
// ErrInvalidToken.
func (t *Tokenizer) Verify(tokenString string) (Identity, error) {
	claims := tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, ErrInvalidToken
		}
		return t.publicKey, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	return claims.Identity, nil
}
