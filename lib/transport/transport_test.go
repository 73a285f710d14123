/*
Copyright 2024 Otium Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	opshosterrors "github.com/otium-labs/opshost/lib/errors"
)

// testSSHServer is a minimal in-process SSH server that accepts password
// auth for a fixed user/password and answers "exec" requests with canned
// output and exit statuses chosen by matching the command text (see
// runExecCommand); nothing is actually executed. It exists purely so
// lib/transport can be exercised end-to-end without a real remote host.
type testSSHServer struct {
	addr     string
	username string
	password string
	listener net.Listener
}

func startTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)

	srv := &testSSHServer{username: "tester", password: "tester-pw"}
	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == srv.username && string(password) == srv.password {
				return nil, nil
			}
			return nil, ssh.ErrNoAuth
		},
	}
	config.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln
	srv.addr = ln.Addr().String()

	go func() {
		for {
			nConn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(nConn, config)
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })
	return srv
}

func (s *testSSHServer) handleConn(nConn net.Conn, config *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				switch req.Type {
				case "exec":
					// payload: uint32 length-prefixed command string.
					cmd := string(req.Payload[4:])
					if req.WantReply {
						_ = req.Reply(true, nil)
					}
					runExecCommand(channel, cmd)
					return
				default:
					if req.WantReply {
						_ = req.Reply(false, nil)
					}
				}
			}
		}()
	}
}

func runExecCommand(channel ssh.Channel, cmd string) {
	switch {
	case strings.Contains(cmd, "sleep"):
		time.Sleep(2 * time.Second)
		sendExitStatus(channel, 0)
	case strings.Contains(cmd, "false"):
		_, _ = channel.Stderr().Write([]byte("boom\n"))
		sendExitStatus(channel, 1)
	case cmd == "true":
		sendExitStatus(channel, 0)
	default:
		_, _ = channel.Write([]byte("hello from remote\n"))
		sendExitStatus(channel, 0)
	}
}

func sendExitStatus(channel ssh.Channel, code int) {
	type exitStatusMsg struct {
		Status uint32
	}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: uint32(code)}))
}

func (s *testSSHServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func withTestKnownHosts(t *testing.T) {
	t.Helper()
	t.Setenv("OPSHOST_KNOWN_HOSTS_FILE", t.TempDir()+"/known_hosts")
	t.Setenv("SSH_AUTH_SOCK", "")
}

func TestOpenRunCloseHappyPath(t *testing.T) {
	withTestKnownHosts(t)
	srv := startTestSSHServer(t)
	host, port := srv.hostPort(t)

	ctx := context.Background()
	handle, err := Open(ctx, host, port, srv.username, Credential{Password: srv.password}, 5*time.Second)
	require.NoError(t, err)
	defer handle.Close()

	result, err := Run(ctx, handle, "echo hi", 5*time.Second, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Stdout, "hello from remote")
}

func TestOpenWrongPasswordFails(t *testing.T) {
	withTestKnownHosts(t)
	srv := startTestSSHServer(t)
	host, port := srv.hostPort(t)

	_, err := Open(context.Background(), host, port, srv.username, Credential{Password: "wrong"}, 5*time.Second)
	require.Error(t, err)
	var authErr *opshosterrors.AuthFailure
	require.ErrorAs(t, err, &authErr)
}

func TestRunNonZeroExit(t *testing.T) {
	withTestKnownHosts(t)
	srv := startTestSSHServer(t)
	host, port := srv.hostPort(t)

	ctx := context.Background()
	handle, err := Open(ctx, host, port, srv.username, Credential{Password: srv.password}, 5*time.Second)
	require.NoError(t, err)
	defer handle.Close()

	result, err := Run(ctx, handle, "false", 5*time.Second, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, result.ExitCode)
	require.Contains(t, result.Stderr, "boom")
}

func TestRunDeadlineExceeded(t *testing.T) {
	withTestKnownHosts(t)
	srv := startTestSSHServer(t)
	host, port := srv.hostPort(t)

	ctx := context.Background()
	handle, err := Open(ctx, host, port, srv.username, Credential{Password: srv.password}, 5*time.Second)
	require.NoError(t, err)
	defer handle.Close()

	result, err := Run(ctx, handle, "sleep 5", 200*time.Millisecond, DefaultOptions())
	require.Error(t, err)
	var deadlineErr *opshosterrors.CommandDeadlineExceeded
	require.ErrorAs(t, err, &deadlineErr)
	require.Equal(t, -1, result.ExitCode)
}

func TestHeartbeat(t *testing.T) {
	withTestKnownHosts(t)
	srv := startTestSSHServer(t)
	host, port := srv.hostPort(t)

	ctx := context.Background()
	handle, err := Open(ctx, host, port, srv.username, Credential{Password: srv.password}, 5*time.Second)
	require.NoError(t, err)
	defer handle.Close()

	require.True(t, Heartbeat(ctx, handle))
	handle.Close()
	require.False(t, Heartbeat(ctx, handle))
}

func TestCloseIsIdempotent(t *testing.T) {
	withTestKnownHosts(t)
	srv := startTestSSHServer(t)
	host, port := srv.hostPort(t)

	handle, err := Open(context.Background(), host, port, srv.username, Credential{Password: srv.password}, 5*time.Second)
	require.NoError(t, err)
	handle.Close()
	require.NotPanics(t, func() { handle.Close() })
}

func TestRunAgainstClosedHandleReturnsSessionClosed(t *testing.T) {
	_, err := Run(context.Background(), nil, "true", time.Second, DefaultOptions())
	require.Error(t, err)
	var closedErr *opshosterrors.SessionClosed
	require.ErrorAs(t, err, &closedErr)
}

func TestCappedBufferTruncatesExactlyAtCap(t *testing.T) {
	buf := newCappedBuffer(8)
	_, _ = buf.Write([]byte("0123456789"))
	require.Equal(t, "01234567"+truncationMarker, buf.String())

	// Further writes after truncation must not grow the buffer.
	_, _ = buf.Write([]byte("more"))
	require.Equal(t, "01234567"+truncationMarker, buf.String())
}
