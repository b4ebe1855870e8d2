package session

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/elara-app/elara-go/internal/wallet"
)

// ErrInvalidSignature is returned when a signature does not recover to the
// claimed address.
var ErrInvalidSignature = errors.New("signature verification failed")

// Claims are the verified contents of a session token.
type Claims struct {
	Address   string
	Signature string
	ExpiresAt time.Time
}

// Issuer signs and validates EdDSA session tokens.
type Issuer struct {
	key      ed25519.PrivateKey
	keyID    string
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// NewIssuer creates an Issuer for key.
func NewIssuer(key ed25519.PrivateKey, issuer, audience string, ttl time.Duration) (*Issuer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("jwt signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	pub := key.Public().(ed25519.PublicKey)
	return &Issuer{
		key:      key,
		keyID:    fmt.Sprintf("key-%x", pub[:4]),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		clock:    time.Now,
	}, nil
}

// Verify checks that signature is address's signature of AuthMessage.
func Verify(address, signature string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	sig, err := wallet.DecodeSignature(signature)
	if err != nil {
		return err
	}
	if !wallet.VerifySignature(common.HexToAddress(address), AuthMessage(address), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Issue verifies the signature and returns a signed token carrying it.
func (i *Issuer) Issue(address, signature string) (string, time.Time, error) {
	if err := Verify(address, signature); err != nil {
		return "", time.Time{}, err
	}
	issuedAt := i.clock()
	expires := issuedAt.Add(i.ttl)
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodEdDSA, jwtlib.MapClaims{
		"sub": strings.ToLower(address),
		"sig": signature,
		"aud": i.audience,
		"iss": i.issuer,
		"iat": issuedAt.Unix(),
		"exp": expires.Unix(),
		"jti": uuid.NewString(),
	})
	token.Header["kid"] = i.keyID
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign jwt: %w", err)
	}
	return signed, expires, nil
}

// Validate parses a token with fail-closed semantics, checking algorithm,
// key id, issuer, audience and expiry.
func (i *Issuer) Validate(tokenString string) (Claims, error) {
	pub := i.key.Public().(ed25519.PublicKey)
	token, err := jwtlib.Parse(tokenString, func(token *jwtlib.Token) (interface{}, error) {
		if token.Method != jwtlib.SigningMethodEdDSA {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid != i.keyID {
			return nil, fmt.Errorf("unknown kid")
		}
		return pub, nil
	},
		jwtlib.WithIssuer(i.issuer),
		jwtlib.WithAudience(i.audience),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithTimeFunc(i.clock),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("failed to parse claims")
	}
	sub, _ := claims["sub"].(string)
	sig, _ := claims["sig"].(string)
	if sub == "" || sig == "" {
		return Claims{}, fmt.Errorf("missing sub or sig claim")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Claims{}, fmt.Errorf("missing or invalid exp claim")
	}
	return Claims{Address: sub, Signature: sig, ExpiresAt: exp.Time}, nil
}
