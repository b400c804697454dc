package phone

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"only formatting", "(  ) -", ""},
		{"full international", "+55 (11) 98765-4321", "5511987654321"},
		{"international without mobile digit", "55 11 8765-4321", "5511987654321"},
		{"national with mobile digit", "(11) 98765-4321", "5511987654321"},
		{"national without mobile digit", "11 8765-4321", "5511987654321"},
		{"trunk prefix", "011 98765-4321", "5511987654321"},
		{"double zero international", "0055 11 98765 4321", "5511987654321"},
		{"ten digits with leading zero", "0119876543", "5501919876543"},
		{"trunk prefix without mobile digit", "0 11 8765-4321", "5511987654321"},
		{"double zero with national number", "00 11 98765-4321", "5511987654321"},
		{"overlong keeps last 13", "9995511987654321", "5511987654321"},
		{"area code 55", "(55) 98765-4321", "5555987654321"},
		{"short number best effort", "4321", "554321"},
		{"short number with country code", "5512", "5512"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Canonicalize(tc.raw))
		})
	}
}

func TestCanonicalizeFixedWidth(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		n := 10 + rng.Intn(4)
		var b strings.Builder
		for b.Len() < n {
			b.WriteByte(byte('0' + rng.Intn(10)))
		}
		raw := b.String()

		got := Canonicalize(raw)
		require.Len(t, got, 13, "input %s", raw)
		require.True(t, strings.HasPrefix(got, CountryCode), "input %s", raw)
		require.Equal(t, byte('9'), got[4], "input %s", raw)
		require.Equal(t, got, Canonicalize(got), "canonical form must be stable for %s", raw)
	}
}

func TestVariants(t *testing.T) {
	assert.Equal(t, []string{"5511987654321", "551187654321"}, Variants("5511987654321"))
	assert.Equal(t, []string{"551187654321", "5511987654321"}, Variants("551187654321"))
	assert.Equal(t, []string{"554321"}, Variants("554321"))
	assert.Nil(t, Variants(""))
}

func TestSameSubscriber(t *testing.T) {
	assert.True(t, SameSubscriber("5511987654321", "(11) 8765-4321"))
	assert.False(t, SameSubscriber("5511987654321", "5511987650000"))
	assert.False(t, SameSubscriber("4321", "4321"))
	assert.Equal(t, "87654321", Suffix("+55 11 98765-4321", SubscriberDigits))
}
