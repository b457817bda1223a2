package forwarder

import (
	"bufio"
	"bytes"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workio/workio/pkg/protocol"
)

// serveOnce accepts one connection and answers every request line with reply.
func serveOnce(t *testing.T, socketPath, reply string) {
	t.Helper()
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
			return
		}
		conn.Write([]byte(reply + "\n"))
	}()
}

func TestRunForwardsReply(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	serveOnce(t, socketPath, `{"continue": true}`)

	var out bytes.Buffer
	Run(strings.NewReader(`{"session_id":"s1","hook_event_name":"Stop"}`), &out, socketPath, protocol.Env{})

	assert.Equal(t, "{\"continue\": true}\n", out.String())
}

func TestRunFallsBackWhenDaemonAbsent(t *testing.T) {
	var out bytes.Buffer
	Run(strings.NewReader(`{"session_id":"s1"}`), &out, filepath.Join(t.TempDir(), "nope.sock"), protocol.Env{})

	assert.Equal(t, "{\"continue\": true}\n", out.String())
}

func TestRunFallsBackOnGarbageReply(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	serveOnce(t, socketPath, "not json")

	var out bytes.Buffer
	Run(strings.NewReader(`{"session_id":"s1"}`), &out, socketPath, protocol.Env{})

	assert.Equal(t, "{\"continue\": true}\n", out.String())
}

func TestRunFallsBackOnEmptyInput(t *testing.T) {
	var out bytes.Buffer
	Run(strings.NewReader(""), &out, filepath.Join(t.TempDir(), "nope.sock"), protocol.Env{})

	assert.Equal(t, "{\"continue\": true}\n", out.String())
}

func TestForwardWrapsEventAndIdentity(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer listener.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		received <- line
		conn.Write([]byte("{\"continue\": true}\n"))
	}()

	terminal := int64(4)
	reply, ok := Forward(socketPath, []byte(`{"session_id":"s1"}`), protocol.Env{TerminalID: &terminal})
	require.True(t, ok)
	assert.JSONEq(t, `{"continue": true}`, string(reply))

	line := <-received
	assert.Contains(t, line, `"terminal_id":4`)
	assert.Contains(t, line, `"session_id":"s1"`)
}

func TestEnvFromOS(t *testing.T) {
	t.Setenv("CLAUDE_TERMINAL_ID", "12")
	t.Setenv("WORKIO_SHELL_ID", "not-a-number")

	env := EnvFromOS()
	require.NotNil(t, env.TerminalID)
	assert.Equal(t, int64(12), *env.TerminalID)
	assert.Nil(t, env.ShellID)
}
