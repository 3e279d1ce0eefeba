package ngrok

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"despotify/internal/config"
)

func TestDisabledServiceIsNil(t *testing.T) {
	svc, err := NewService(&config.NgrokConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, svc)

	// A nil service is a no-op.
	assert.NoError(t, svc.StartTunnel(context.Background(), "localhost:8080"))
	assert.Empty(t, svc.GetPublicURL())
	assert.NoError(t, svc.Stop())
	svc.Wait()
}

func TestMissingAuthToken(t *testing.T) {
	t.Setenv("NGROK_AUTHTOKEN", "")
	// Equivalent of t.Chdir (Go 1.24+) for older toolchains.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, err = NewService(&config.NgrokConfig{Enabled: true}, nil)
	assert.ErrorContains(t, err, "auth token not found")
}

func TestTrafficPolicy(t *testing.T) {
	assert.Empty(t, trafficPolicy(&config.NgrokConfig{}))

	policy := trafficPolicy(&config.NgrokConfig{EnableAuth: true, AuthProvider: "github"})
	assert.Contains(t, policy, "type: oauth")
	assert.Contains(t, policy, "provider: github")
}
