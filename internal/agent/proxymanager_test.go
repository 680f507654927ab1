package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyfleet/proxyfleet/internal/protocol"
)

func TestExecManager_ExternalProxy(t *testing.T) {
	m := NewExecManager(protocol.ProxyTypeHTTP, 8888, "", "")
	ctx := context.Background()

	assert.False(t, m.Running())
	require.NoError(t, m.Start(ctx))
	assert.True(t, m.Running())

	// Idempotent.
	require.NoError(t, m.Start(ctx))
	assert.True(t, m.Running())

	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.Running())
	require.NoError(t, m.Stop(ctx))
}

func TestExecManager_Commands(t *testing.T) {
	m := NewExecManager(protocol.ProxyTypeSocks5, 1080, "true", "true")
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	assert.True(t, m.Running())
	require.NoError(t, m.Restart(ctx))
	assert.True(t, m.Running())
	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.Running())
}

func TestExecManager_StartFailure(t *testing.T) {
	m := NewExecManager(protocol.ProxyTypeHTTP, 8888, "exit 3", "")
	ctx := context.Background()

	err := m.Start(ctx)
	require.Error(t, err)
	assert.False(t, m.Running())
}

func TestExecManager_EnvPassedToCommand(t *testing.T) {
	m := NewExecManager(protocol.ProxyTypeHTTP, 9001, `test "$PROXY_PORT" = 9001`, "")
	require.NoError(t, m.Start(context.Background()))
}

func TestExecManager_SetPort(t *testing.T) {
	m := NewExecManager(protocol.ProxyTypeBoth, 8888, "", "")

	m.SetPort(9000)
	assert.Equal(t, 9000, m.Port())
	assert.Equal(t, protocol.ProxyTypeBoth, m.Type())
}
