package fairorder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeExecutorsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "executors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadExecutorConfig(t *testing.T) {
	path := writeExecutorsFile(t, `
executors:
  - name: primary
    url: http://localhost:9545
    chains:
      - mainnet
  - name: everything
    url: http://localhost:9546
  - name: off
    url: http://localhost:9547
    disabled: true
`)

	backend, err := LoadExecutorConfig(path)
	require.NoError(t, err)
	require.Len(t, backend.executors, 2)

	require.Equal(t, "primary", backend.executors[0].Name)
	require.True(t, backend.executors[0].servesChain("mainnet"))
	require.False(t, backend.executors[0].servesChain("testnet"))

	// no chain list means the executor serves every chain
	require.True(t, backend.executors[1].servesChain("mainnet"))
	require.True(t, backend.executors[1].servesChain("testnet"))
}

func TestLoadExecutorConfigEmptyPath(t *testing.T) {
	backend, err := LoadExecutorConfig("")
	require.NoError(t, err)
	require.Empty(t, backend.executors)
}

func TestLoadExecutorConfigInvalid(t *testing.T) {
	path := writeExecutorsFile(t, `
executors:
  - url: http://localhost:9545
`)
	_, err := LoadExecutorConfig(path)
	require.ErrorIs(t, err, ErrInvalidExecutor)

	_, err = LoadExecutorConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadExecutorConfig(writeExecutorsFile(t, "executors: {not: a list}"))
	require.Error(t, err)
}
