package session

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	odcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	from := netip.MustParseAddrPort("10.0.0.7:1234")

	token := mintToken(odcid, from)
	assert.Equal(t, append([]byte("dtp\x0a\x00\x00\x07"), odcid...), token)

	got, err := validateToken(token, from)
	require.NoError(t, err)
	assert.Equal(t, odcid, got)

	// The port is not part of the token.
	got, err = validateToken(token, netip.MustParseAddrPort("10.0.0.7:9999"))
	require.NoError(t, err)
	assert.Equal(t, odcid, got)
}

func TestTokenMappedAddress(t *testing.T) {
	odcid := []byte{9, 9}
	token := mintToken(odcid, netip.MustParseAddrPort("[::ffff:10.0.0.7]:1"))
	_, err := validateToken(token, netip.MustParseAddrPort("10.0.0.7:1"))
	assert.NoError(t, err)
}

func TestTokenRejected(t *testing.T) {
	from := netip.MustParseAddrPort("10.0.0.7:1234")
	tests := []struct {
		name  string
		token []byte
	}{
		{"bad prefix", []byte("xyz\x0a\x00\x00\x07\x01")},
		{"other address", mintToken([]byte{1}, netip.MustParseAddrPort("10.0.0.8:1234"))},
		{"no odcid", []byte("dtp\x0a\x00\x00\x07")},
		{"odcid too long", mintToken(make([]byte, 21), from)},
		{"truncated", []byte("dtp\x0a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateToken(tt.token, from)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestConnIDDeriver(t *testing.T) {
	d, err := newConnIDDeriver([32]byte{1}, 20)
	require.NoError(t, err)

	a := d.derive([]byte{1, 2, 3})
	assert.Len(t, a, 20)
	assert.Equal(t, a, d.derive([]byte{1, 2, 3}))
	assert.NotEqual(t, a, d.derive([]byte{1, 2, 4}))

	other, err := newConnIDDeriver([32]byte{2}, 20)
	require.NoError(t, err)
	assert.NotEqual(t, a, other.derive([]byte{1, 2, 3}))
}
