package crypto

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloDigest = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestHashBytes(t *testing.T) {
	assert.Equal(t, helloDigest, HashBytes([]byte("hello")))
}

func TestHashReader(t *testing.T) {
	sum, err := HashReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, helloDigest, sum)
}

func TestValidHash(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid", helloDigest, true},
		{"uppercase", strings.ToUpper(helloDigest), true},
		{"too short", helloDigest[:63], false},
		{"non hex", strings.Repeat("z", 64), false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidHash(tt.in))
		})
	}
}

func TestCompareHash(t *testing.T) {
	assert.True(t, CompareHash(helloDigest, helloDigest))
	assert.True(t, CompareHash(strings.ToUpper(helloDigest), " "+helloDigest))
	assert.False(t, CompareHash(helloDigest, HashBytes([]byte("world"))))
	assert.False(t, CompareHash(helloDigest, ""))
}

func TestVerifier(t *testing.T) {
	v := NewVerifier(strings.ToUpper(helloDigest))

	_, err := io.Copy(v, strings.NewReader("hel"))
	require.NoError(t, err)
	_, err = io.Copy(v, strings.NewReader("lo"))
	require.NoError(t, err)

	assert.Equal(t, helloDigest, v.Sum())
	assert.Equal(t, int64(5), v.Written())
	assert.True(t, v.Verify())
}

func TestVerifier_Mismatch(t *testing.T) {
	v := NewVerifier(helloDigest)
	_, _ = v.Write([]byte("hello!"))
	assert.False(t, v.Verify())
}
