package goodkey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWeakKeysKnown(t *testing.T) {
	wk := &weakKeys{suffixes: make(map[[suffixLen]byte]struct{})}
	err := wk.addSuffix("200352313bc059445190")
	require.NoError(t, err)
	require.True(t, wk.Known([]byte("asd")))
	require.False(t, wk.Known([]byte("ASD")))
}

func TestLoadSuffixes(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "a"), []byte("# asd\n200352313bc059445190"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "b"), []byte("# asd\ndc47cdf6b45d89e8b2a0"), 0o644))

	wk, err := loadSuffixes(tempDir)
	require.NoError(t, err)

	require.True(t, wk.Known([]byte("asd")))
	require.True(t, wk.Known([]byte("dsa")))
}

func TestPolicyPassesNonRSAKeys(t *testing.T) {
	p, err := NewPolicy("")
	require.NoError(t, err)
	require.NoError(t, p.Check(nil)) // non-RSA/nil key types are passed through
}
