// Package forwarder implements the thin hook client: it wraps one hook
// envelope from stdin and relays it to the daemon socket. The forwarder
// fails open — a missing daemon means "dashboard offline", never a blocked
// assistant.
package forwarder

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/workio/workio/pkg/protocol"
)

// Timeout bounds the whole exchange: dial, write, and response read.
const Timeout = 5 * time.Second

// fallbackResponse is written whenever the daemon cannot answer.
var fallbackResponse = []byte(`{"continue": true}`)

// EnvFromOS collects the terminal and shell identity from the environment
// variables the assistant CLI's hook runner inherits.
func EnvFromOS() protocol.Env {
	return protocol.Env{
		TerminalID: parseID(os.Getenv("CLAUDE_TERMINAL_ID")),
		ShellID:    parseID(os.Getenv("WORKIO_SHELL_ID")),
	}
}

func parseID(s string) *int64 {
	if s == "" {
		return nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// Run reads one hook envelope from in, forwards it to the daemon at
// socketPath, and writes the daemon's reply to out. Any failure writes the
// fallback {"continue": true} instead. Run never returns a caller-visible
// error; the exit code contract is always zero.
func Run(in io.Reader, out io.Writer, socketPath string, env protocol.Env) {
	event, err := io.ReadAll(in)
	if err != nil || len(event) == 0 {
		writeFallback(out)
		return
	}

	reply, ok := Forward(socketPath, event, env)
	if !ok {
		writeFallback(out)
		return
	}
	out.Write(append(reply, '\n'))
}

// Forward sends one request line to the daemon and returns its reply. The
// bool is false when the daemon is absent, unresponsive, or answers
// garbage.
func Forward(socketPath string, event []byte, env protocol.Env) ([]byte, bool) {
	conn, err := net.DialTimeout("unix", socketPath, Timeout)
	if err != nil {
		return nil, false
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(Timeout)); err != nil {
		return nil, false
	}

	request, err := protocol.EncodeRequest(event, env)
	if err != nil {
		return nil, false
	}
	if _, err := conn.Write(append(request, '\n')); err != nil {
		return nil, false
	}

	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(reply) == 0 {
		return nil, false
	}
	reply = trimNewline(reply)
	if !validReply(reply) {
		return nil, false
	}
	return reply, true
}

func writeFallback(out io.Writer) {
	out.Write(append(fallbackResponse, '\n'))
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// validReply requires a decodable response object so a half-written line is
// not echoed to the assistant CLI.
func validReply(b []byte) bool {
	_, err := protocol.DecodeResponse(b)
	return err == nil
}
