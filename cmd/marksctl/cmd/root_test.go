package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := run(t, "token", "--config", t.TempDir(), "--role", "service")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."), "expected a JWT, got %q", out)

	_, err = run(t, "token", "--role", "root")
	assert.Error(t, err)
	_, err = run(t, "token", "--role", "admin", "--user", "nope")
	assert.Error(t, err)
}

func TestArgValidation(t *testing.T) {
	cases := [][]string{
		{"migrate", "sideways"},
		{"reconcile", "a", "b"},
		{"resolve", "only-id"},
		{"balance"},
	}
	for _, args := range cases {
		_, err := run(t, args...)
		assert.Error(t, err, "%v", args)
	}
}
