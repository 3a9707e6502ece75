package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/nimbus-cp/nimbus/testing"
)

func TestNewAPIKey(t *testing.T) {
	key, err := NewAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "sa_"))
	// 32 bytes of entropy, base64 raw-url encoded.
	assert.Len(t, key, len("sa_")+43)
}

func TestNewTokenKey(t *testing.T) {
	key, err := NewTokenKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "tk_"))
	assert.Len(t, key, len("tk_")+43)
}

func TestKeysAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		key, err := NewTokenKey()
		require.NoError(t, err)
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate key generated: %s", key)
		}
		seen[key] = struct{}{}
	}
}
