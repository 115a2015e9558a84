package test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteScript writes an executable shell script into dir and returns its name.
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0755)
	require.NoError(t, err)
	return name
}
