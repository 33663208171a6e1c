package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBase64EncoderRoundTrip(t *testing.T) {
	enc := NewBase64Encoder()

	token, err := enc.Encode([]byte("2024-06-01T12:00:00Z_01HZXYK3"))
	require.NoError(t, err)

	decoded, err := enc.Decode(token)
	require.NoError(t, err)
	require.Equal(t, "2024-06-01T12:00:00Z_01HZXYK3", string(decoded))
}

func TestBase64EncoderRejectsGarbage(t *testing.T) {
	enc := NewBase64Encoder()

	_, err := enc.Decode("%%%not-base64%%%")
	require.Error(t, err)
}

func TestNoopEncoder(t *testing.T) {
	enc := NoopEncoder{}

	token, err := enc.Encode([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, "abc", token)

	decoded, err := enc.Decode("abc")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), decoded)
}
