package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hive-agi/bb-db-backup/client"
)

func TestReadCode(t *testing.T) {
	t.Run("argument wins over stdin", func(t *testing.T) {
		code, err := readCode([]string{"(+ 1 2)"}, strings.NewReader("(ignored)"))
		require.NoError(t, err)
		assert.Equal(t, "(+ 1 2)", code)
	})

	t.Run("falls back to stdin", func(t *testing.T) {
		code, err := readCode(nil, strings.NewReader("(backup!)\n"))
		require.NoError(t, err)
		assert.Equal(t, "(backup!)", code)
	})

	t.Run("empty everywhere", func(t *testing.T) {
		_, err := readCode(nil, strings.NewReader("  \n"))
		require.Error(t, err)
	})
}

// chdir changes into dir for the duration of the test, restoring the
// previous working directory on cleanup. Stand-in for t.Chdir, which
// requires Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestResolvePort(t *testing.T) {
	t.Run("flag wins", func(t *testing.T) {
		t.Setenv("NREPL_PORT", "7888")
		assert.Equal(t, 4001, resolvePort(4001))
	})

	t.Run("environment variable", func(t *testing.T) {
		t.Setenv("NREPL_PORT", "7888")
		assert.Equal(t, 7888, resolvePort(0))
	})

	t.Run("port file", func(t *testing.T) {
		t.Setenv("NREPL_PORT", "")
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".nrepl-port"), []byte("5600\n"), 0o644))
		chdir(t, dir)
		assert.Equal(t, 5600, resolvePort(0))
	})

	t.Run("default", func(t *testing.T) {
		t.Setenv("NREPL_PORT", "")
		chdir(t, t.TempDir())
		assert.Equal(t, client.DefaultPort, resolvePort(0))
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, exitEvalError, exitCode(errEvalFailed))
	assert.Equal(t, exitConnFailed, exitCode(errors.Wrap(client.ErrConnectionFailed, "dial")))
	assert.Equal(t, exitProtocol, exitCode(errors.Wrap(client.ErrTimeout, "read")))
	assert.Equal(t, exitProtocol, exitCode(errors.New("anything else")))
}
