package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandRegistration(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, name := range []string{"init", "seal", "append", "inspect", "tail", "cursor", "gc"} {
		require.True(t, names[name], "missing command %s", name)
	}
}
