package jwt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/valora-bridge/internal/domain"
)

const unsignedPrefix = "u."

// ErrTokenMalformed is returned for tokens that cannot be decoded or verified.
var ErrTokenMalformed = errors.New("handoff token malformed")

// HandoffCodec turns transition payloads into opaque hand-off tokens and
// back. With a key it produces HS256 JWS; without one it produces an
// unsigned, self-describing token.
type HandoffCodec struct {
	key *Key
}

// NewHandoffCodec builds a codec. key may be nil.
func NewHandoffCodec(key *Key) *HandoffCodec {
	return &HandoffCodec{key: key}
}

// Signed reports whether tokens carry a signature.
func (c *HandoffCodec) Signed() bool {
	return c.key != nil
}

// HandoffClaims are the private claims of a signed hand-off token.
type HandoffClaims struct {
	ReturnURL        string `json:"return_url"`
	SessionExpiresAt int64  `json:"session_exp,omitempty"`
}

// Encode serializes payload.
func (c *HandoffCodec) Encode(payload domain.TransitionPayload) (string, error) {
	if c.key == nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		return unsignedPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
	}

	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: c.key.Algorithm, Key: c.key.Secret},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", c.key.KID),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	std := gojwt.Claims{
		ID:       payload.Nonce,
		Subject:  payload.SessionID,
		Issuer:   string(payload.FromApp),
		Audience: gojwt.Audience{string(payload.TargetApp)},
		IssuedAt: gojwt.NewNumericDate(payload.Timestamp),
		Expiry:   gojwt.NewNumericDate(payload.ExpiresAt),
	}
	token, err := gojwt.Signed(signer).Claims(std).Claims(HandoffClaims{ReturnURL: payload.ReturnURL, SessionExpiresAt: unixOrZero(payload.SessionExpiresAt)}).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize handoff token: %w", err)
	}
	return token, nil
}

// Decode verifies and parses token. Expiry is not enforced here; the
// receiving origin applies its own clock.
func (c *HandoffCodec) Decode(token string) (domain.TransitionPayload, error) {
	if strings.HasPrefix(token, unsignedPrefix) {
		if c.key != nil {
			return domain.TransitionPayload{}, fmt.Errorf("%w: unsigned token rejected", ErrTokenMalformed)
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, unsignedPrefix))
		if err != nil {
			return domain.TransitionPayload{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
		var payload domain.TransitionPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return domain.TransitionPayload{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
		return payload, nil
	}
	if c.key == nil {
		return domain.TransitionPayload{}, fmt.Errorf("%w: no key to verify signature", ErrTokenMalformed)
	}

	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{c.key.Algorithm})
	if err != nil {
		return domain.TransitionPayload{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID != c.key.KID {
		return domain.TransitionPayload{}, fmt.Errorf("%w: unknown key id", ErrTokenMalformed)
	}

	var std gojwt.Claims
	var custom HandoffClaims
	if err := parsed.Claims(c.key.Secret, &std, &custom); err != nil {
		return domain.TransitionPayload{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	payload := domain.TransitionPayload{
		SessionID: std.Subject,
		FromApp:   domain.Source(std.Issuer),
		ReturnURL: custom.ReturnURL,
		Nonce:     std.ID,
	}
	if len(std.Audience) > 0 {
		payload.TargetApp = domain.Source(std.Audience[0])
	}
	if std.IssuedAt != nil {
		payload.Timestamp = std.IssuedAt.Time().UTC()
	}
	if std.Expiry != nil {
		payload.ExpiresAt = std.Expiry.Time().UTC()
	}
	if custom.SessionExpiresAt > 0 {
		payload.SessionExpiresAt = time.Unix(custom.SessionExpiresAt, 0).UTC()
	}
	return payload, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

var accessTokenAlgorithms = []gojose.SignatureAlgorithm{
	gojose.HS256, gojose.HS384, gojose.HS512,
	gojose.RS256, gojose.RS384, gojose.RS512,
	gojose.ES256, gojose.ES384, gojose.ES512,
	gojose.PS256, gojose.EdDSA,
}

// AccessTokenExpiry reads the exp claim of a user access token without
// verifying it. Opaque tokens report false.
func AccessTokenExpiry(token string) (time.Time, bool) {
	parsed, err := gojwt.ParseSigned(token, accessTokenAlgorithms)
	if err != nil {
		return time.Time{}, false
	}
	var std gojwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&std); err != nil || std.Expiry == nil {
		return time.Time{}, false
	}
	return std.Expiry.Time().UTC(), true
}
