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

// Package transport implements the SSH transport (spec C2): it owns
// exactly one authenticated shell channel per session, plus the primitive
// to run one command against it and capture its result under a deadline.
// It is grounded on this codebase's own raw golang.org/x/crypto/ssh
// transport helper, generalized from one-shot command invocation into a
// reusable per-session handle.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	opshosterrors "github.com/otium-labs/opshost/lib/errors"
)

// truncationMarker is appended to a captured stream once it hits its cap.
const truncationMarker = "\n...[truncated]"

// Credential is plaintext SSH credential material: either Password or
// PrivateKey should be set (content, not a key, disambiguates which
// authentication method is used).
type Credential struct {
	Password   string
	PrivateKey []byte
}

// Handle is one live, authenticated SSH connection to a single host. It
// satisfies types.TransportHandle.
type Handle struct {
	id     string
	client *ssh.Client

	closeOnce sync.Once
}

// ID returns the handle's stable identifier (its "user@host:port" string).
func (h *Handle) ID() string { return h.id }

// Options bounds the byte caps applied to a Run call's captured output.
type Options struct {
	StdoutCapBytes int
	StderrCapBytes int
}

// DefaultOptions returns the spec's documented 1 MiB per-stream cap.
func DefaultOptions() Options {
	return Options{StdoutCapBytes: 1 << 20, StderrCapBytes: 1 << 20}
}

// CommandResult is the outcome of one Run call.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Open performs TCP connect, protocol negotiation, and authentication
// against hostname:port, returning a live Handle. Authentication methods are
// offered in order: the explicit private key (if it parses), ssh-agent
// signers (whenever SSH_AUTH_SOCK is set), then password authentication.
func Open(ctx context.Context, hostname string, port int, username string, cred Credential, connectDeadline time.Duration) (*Handle, error) {
	methods, err := authMethods(cred)
	if err != nil {
		return nil, &opshosterrors.AuthFailure{Hostname: hostname, Username: username, Cause: err}
	}

	hostKeyCallback, err := hostKeyCallback()
	if err != nil {
		return nil, &opshosterrors.ConnectError{Hostname: hostname, Cause: trace.Wrap(err, "building host key callback")}
	}

	clientConfig := &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         connectDeadline,
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectDeadline)
	defer cancel()

	addr := net.JoinHostPort(hostname, strconv.Itoa(port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &opshosterrors.ConnectError{Hostname: hostname, Cause: err}
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		if isAuthError(err) {
			return nil, &opshosterrors.AuthFailure{Hostname: hostname, Username: username, Cause: err}
		}
		return nil, &opshosterrors.ConnectError{Hostname: hostname, Cause: err}
	}
	client := ssh.NewClient(clientConn, chans, reqs)
	_ = conn.SetDeadline(time.Time{}) // clear the connect-phase deadline now that auth succeeded

	return &Handle{id: fmt.Sprintf("%s@%s", username, addr), client: client}, nil
}

// Run executes one command on a fresh ssh.Session multiplexed over the
// handle's shared connection, capturing stdout/stderr independently up to
// opts' caps and honoring ctx/deadline for cancellation.
func Run(ctx context.Context, h *Handle, command string, deadline time.Duration, opts Options) (CommandResult, error) {
	if h == nil || h.client == nil {
		return CommandResult{ExitCode: -1, Stderr: "session closed"}, &opshosterrors.SessionClosed{}
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	session, err := h.client.NewSession()
	if err != nil {
		return CommandResult{ExitCode: -1, Stderr: err.Error()}, trace.Wrap(err, "opening ssh session")
	}
	defer session.Close()

	stdout := newCappedBuffer(opts.StdoutCapBytes)
	stderr := newCappedBuffer(opts.StderrCapBytes)
	session.Stdout = stdout
	session.Stderr = stderr

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return CommandResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   "deadline exceeded",
			Duration: time.Since(started),
		}, &opshosterrors.CommandDeadlineExceeded{Command: command}
	case err := <-done:
		result := CommandResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(started),
		}
		if err == nil {
			result.ExitCode = 0
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		// Channel loss or other client-side failure: spec reserves exit
		// code -1 with a filled stderr for this case.
		result.ExitCode = -1
		if result.Stderr == "" {
			result.Stderr = err.Error()
		}
		return result, &opshosterrors.SessionClosed{}
	}
}

// Heartbeat issues a cheap, idempotent probe and reports whether it
// succeeded within a short internal deadline.
func Heartbeat(ctx context.Context, h *Handle) bool {
	if h == nil || h.client == nil {
		return false
	}
	hbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := Run(hbCtx, h, "true", 10*time.Second, Options{StdoutCapBytes: 1024, StderrCapBytes: 1024})
	return err == nil
}

// Heartbeat is the method form of the package-level Heartbeat, so callers
// that only hold a types.TransportHandle-shaped interface can still probe
// liveness without importing *Handle concretely.
func (h *Handle) Heartbeat(ctx context.Context) bool {
	return Heartbeat(ctx, h)
}

// Run is the method form of the package-level Run, for the same reason.
func (h *Handle) Run(ctx context.Context, command string, deadline time.Duration, opts Options) (CommandResult, error) {
	return Run(ctx, h, command, deadline, opts)
}

// Close tears down the underlying ssh.Client. Safe to call multiple times.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.closeOnce.Do(func() {
		if h.client != nil {
			_ = h.client.Close()
		}
	})
}

func authMethods(cred Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if len(cred.PrivateKey) > 0 {
		if signer, err := ssh.ParsePrivateKey(cred.PrivateKey); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if sock := strings.TrimSpace(os.Getenv("SSH_AUTH_SOCK")); sock != "" {
		methods = append(methods, ssh.PublicKeysCallback(agentSigners(sock)))
	}
	if cred.Password != "" {
		pw := cred.Password
		methods = append(methods, ssh.Password(pw), ssh.KeyboardInteractive(
			func(_ string, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}))
	}
	if len(methods) == 0 {
		return nil, trace.BadParameter("no SSH authentication methods available")
	}
	return methods, nil
}

func agentSigners(sock string) func() ([]ssh.Signer, error) {
	return func() ([]ssh.Signer, error) {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		defer conn.Close()
		return agent.NewClient(conn).Signers()
	}
}

var knownHostsWriteMu sync.Mutex

// hostKeyCallback builds a trust-on-first-use host key verifier backed by
// an OpenSSH-format known_hosts file: known hosts are verified strictly,
// and a host with no existing entry is appended and accepted, mirroring
// "StrictHostKeyChecking=accept-new".
func hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(os.Getenv("OPSHOST_KNOWN_HOSTS_FILE"))
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		path = home + "/.opshost/known_hosts"
	}
	if err := os.MkdirAll(dirOf(path), 0o700); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte{}, 0o600); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	validator, err := knownhosts.New(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		verifyErr := validator(hostname, remote, key)
		if verifyErr == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(verifyErr, &keyErr) && len(keyErr.Want) == 0 {
			return appendKnownHost(path, hostname, key)
		}
		return verifyErr
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	normalized := knownhosts.Normalize(hostname)
	if normalized == "" {
		return trace.BadParameter("cannot normalize ssh hostname %q", hostname)
	}
	line := knownhosts.Line([]string{normalized}, key)

	knownHostsWriteMu.Lock()
	defer knownHostsWriteMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return trace.Wrap(err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "ssh: handshake failed")
}

// cappedBuffer is an io.Writer that truncates after capBytes and appends a
// fixed marker exactly once, per spec: "contain exactly the cap's bytes
// followed by the literal truncation marker and no more."
type cappedBuffer struct {
	buf       bytes.Buffer
	cap       int
	truncated bool
}

func newCappedBuffer(capBytes int) *cappedBuffer {
	if capBytes <= 0 {
		capBytes = 1 << 20
	}
	return &cappedBuffer{cap: capBytes}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.truncated {
		return n, nil
	}
	remaining := c.cap - c.buf.Len()
	if remaining <= 0 {
		c.buf.WriteString(truncationMarker)
		c.truncated = true
		return n, nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.buf.WriteString(truncationMarker)
		c.truncated = true
		return n, nil
	}
	c.buf.Write(p)
	return n, nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
