package sys

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFreePort(t *testing.T) {
	port, err := GetFreePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	listener, err := net.Listen("tcp", ListenAddr("localhost", port))
	require.NoError(t, err)
	listener.Close()
}

func TestListenAddr(t *testing.T) {
	assert.Equal(t, ":8000", ListenAddr("", 8000))
	assert.Equal(t, "127.0.0.1:11211", ListenAddr("127.0.0.1", 11211))
	assert.Equal(t, "[::1]:80", ListenAddr("::1", 80))
}
