package jwt_test

import (
	"testing"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-bridge/internal/domain"
	customjwt "github.com/smallbiznis/valora-bridge/internal/jwt"
)

func samplePayload() domain.TransitionPayload {
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	return domain.TransitionPayload{
		SessionID:        "sess_k1_ab12",
		TargetApp:        domain.SourceDashboard,
		FromApp:          domain.SourceAuth,
		ReturnURL:        "https://app.smallbiznisapp.io/invoices?page=2",
		Timestamp:        ts,
		ExpiresAt:        ts.Add(5 * time.Minute),
		Nonce:            "n-1",
		SessionExpiresAt: ts.Add(20 * time.Hour),
	}
}

func TestSignedRoundTrip(t *testing.T) {
	codec := customjwt.NewHandoffCodec(customjwt.NewKey("shared-secret-between-origins-32b"))
	require.True(t, codec.Signed())

	token, err := codec.Encode(samplePayload())
	require.NoError(t, err)

	decoded, err := codec.Decode(token)
	require.NoError(t, err)
	require.Equal(t, samplePayload(), decoded)
}

func TestSignedRejectsOtherKeyAndUnsigned(t *testing.T) {
	codec := customjwt.NewHandoffCodec(customjwt.NewKey("shared-secret-between-origins-32b"))
	other := customjwt.NewHandoffCodec(customjwt.NewKey("another-secret-entirely-xxxxxxxxx"))
	unsigned := customjwt.NewHandoffCodec(nil)

	forged, err := other.Encode(samplePayload())
	require.NoError(t, err)
	_, err = codec.Decode(forged)
	require.ErrorIs(t, err, customjwt.ErrTokenMalformed)

	plain, err := unsigned.Encode(samplePayload())
	require.NoError(t, err)
	_, err = codec.Decode(plain)
	require.ErrorIs(t, err, customjwt.ErrTokenMalformed)
}

func TestUnsignedRoundTrip(t *testing.T) {
	codec := customjwt.NewHandoffCodec(nil)
	require.False(t, codec.Signed())

	token, err := codec.Encode(samplePayload())
	require.NoError(t, err)
	decoded, err := codec.Decode(token)
	require.NoError(t, err)
	require.Equal(t, samplePayload(), decoded)

	_, err = codec.Decode("u.%%%")
	require.ErrorIs(t, err, customjwt.ErrTokenMalformed)
}

func TestAccessTokenExpiry(t *testing.T) {
	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: []byte("backend-key-backend-key-backend!")}, nil)
	require.NoError(t, err)
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := gojwt.Signed(signer).Claims(gojwt.Claims{Subject: "u-1", Expiry: gojwt.NewNumericDate(exp)}).Serialize()
	require.NoError(t, err)

	got, ok := customjwt.AccessTokenExpiry(token)
	require.True(t, ok)
	require.Equal(t, exp, got)

	_, ok = customjwt.AccessTokenExpiry("opaque-token")
	require.False(t, ok)
}
