package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/notifier/internal/auth"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "notifyctl version dev")
}

func TestTokenCmd_MintsValidToken(t *testing.T) {
	t.Setenv("NOTIFIER_JWT_SECRET", "cli-test-secret")

	out, err := execute(t, "token", "--user", "u-42", "--email", "a@example.com")
	require.NoError(t, err)

	claims, err := auth.NewJWTService("cli-test-secret").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u-42", claims.UserID)
	assert.Equal(t, "a@example.com", claims.Email)
}

func TestTokenCmd_RequiresUser(t *testing.T) {
	_, err := execute(t, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}

func TestPublishCmd_RejectsUnknownKind(t *testing.T) {
	_, err := execute(t, "publish", "--kind", "billing", "--user", "u1", "--message", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestPublishCmd_RefusesMemoryBroker(t *testing.T) {
	t.Setenv("NOTIFIER_BROKER", "memory")

	_, err := execute(t, "publish", "--kind", "user", "--user", "u1", "--message", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory broker")
}
