//go:build linux

package containerdsup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvedSocketPathUsesSystemDefaultWhenExternal(t *testing.T) {
	s := New("", "", "", true)
	assert.Equal(t, "/run/containerd/containerd.sock", s.ResolvedSocketPath())
}

func TestResolvedSocketPathUsesOwnSocketWhenEmbedded(t *testing.T) {
	s := New("/tmp/data", "/tmp/sock/containerd.sock", "", false)
	assert.Equal(t, "/tmp/sock/containerd.sock", s.ResolvedSocketPath())
}

func TestStartIsNoOpWhenUsingExternal(t *testing.T) {
	s := New("", "", "", true)
	assert.NoError(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop())
}
