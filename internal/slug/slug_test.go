package slug

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_KnownLabel(t *testing.T) {
	label, err := EncodeIDs(12345, 67890)
	require.NoError(t, err)
	assert.Equal(t, "1-ga4q-aeete", label)
}

func TestDecode_KnownLabel(t *testing.T) {
	ds, p, err := DecodeIDs("1-ga4q-aeete")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), ds)
	assert.Equal(t, int64(67890), p)
}

func TestDecode_CaseInsensitive(t *testing.T) {
	ds, p, err := DecodeIDs("1-GA4Q-AeEtE")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), ds)
	assert.Equal(t, int64(67890), p)
}

func TestEncodeInt_Zero(t *testing.T) {
	s, err := EncodeInt(big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, "0", s)
}

func TestRoundTrip(t *testing.T) {
	cases := []struct{ ds, p int64 }{
		{0, 0},
		{0, 1},
		{1, 0},
		{255, 256},
		{12345, 67890},
		{1<<62 + 3, 1<<40 - 1},
	}
	for _, tc := range cases {
		label, err := EncodeIDs(tc.ds, tc.p)
		require.NoError(t, err)
		ds, p, err := DecodeIDs(label)
		require.NoError(t, err, "label %q", label)
		assert.Equal(t, tc.ds, ds)
		assert.Equal(t, tc.p, p)
	}
}

func TestRoundTrip_BeyondInt64(t *testing.T) {
	big1 := new(big.Int).Lsh(big.NewInt(1), 100) // 2^100
	big2 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 64), big.NewInt(1))

	label, err := Encode(big1, big2)
	require.NoError(t, err)

	ds, p, err := Decode(label)
	require.NoError(t, err)
	assert.Zero(t, big1.Cmp(ds))
	assert.Zero(t, big2.Cmp(p))

	_, _, err = DecodeIDs(label)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestDecode_Failures(t *testing.T) {
	cases := []struct {
		label string
		want  string
	}{
		{"1-ga4q", "expected 3 dash-separated parts"},
		{"1-ga4q-aeete-extra", "expected 3 dash-separated parts"},
		{"2-ga4q-aeete", `unsupported version "2"`},
		{"1--aeete", "invalid data set id"},
		{"1-ga4q-", "invalid piece id"},
		{"1-ga!q-aeete", "invalid data set id"},
		{"1-ga4q-ae1te", "invalid piece id"},
	}
	for _, tc := range cases {
		_, _, err := Decode(tc.label)
		require.Error(t, err, "label %q", tc.label)
		assert.Contains(t, err.Error(), tc.want, "label %q", tc.label)
	}
}

func TestDecode_NegativeEncode(t *testing.T) {
	_, err := EncodeInt(big.NewInt(-1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonnegative")
}

func TestEncode_NeverEmitsReservedCharacters(t *testing.T) {
	for i := int64(1); i < 2000; i += 37 {
		s, err := EncodeInt(big.NewInt(i))
		require.NoError(t, err)
		assert.False(t, strings.ContainsAny(s, "01-"), "value %d encoded to %q", i, s)
	}
}
