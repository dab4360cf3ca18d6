// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"

	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// DefaultSSHPort is used when the config does not name one.
const DefaultSSHPort = "22"

// DefaultConnectTimeout bounds the TCP dial and handshake.
const DefaultConnectTimeout = 10 * time.Second

// DefaultMaxRetries is the number of re-attempts after a failed
// upload.
const DefaultMaxRetries = 3

// SSHConfig holds the connection settings for the SSH transport.
type SSHConfig struct {
	Host string
	Port string
	User string

	// PrivateKey is the PEM client key used for public key auth.
	PrivateKey []byte

	// Password enables password auth, alone or alongside PrivateKey.
	Password string

	// HostPublicKey pins the server key, in authorized_keys format.
	// Empty disables verification, which is logged loudly.
	HostPublicKey []byte

	// ConnectTimeout bounds the dial and handshake. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// MaxRetries caps upload re-attempts. Zero means
	// DefaultMaxRetries; negative disables retrying.
	MaxRetries int
}

// SSH uploads archives with the scp sink protocol over an SSH
// connection. The connection is dialed lazily and redialed after
// failures with exponential backoff.
type SSH struct {
	logger *logging.Logger
	config SSHConfig

	mu     sync.Mutex
	client *ssh.Client
	closed bool
}

// Compile-time interface check
var _ Transport = (*SSH)(nil)

// NewSSH validates the config and builds the transport without
// dialing.
func NewSSH(config SSHConfig, logger *logging.Logger) (*SSH, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("transfer: ssh host required")
	}
	if config.User == "" {
		return nil, fmt.Errorf("transfer: ssh user required")
	}
	if len(config.PrivateKey) == 0 && config.Password == "" {
		return nil, fmt.Errorf("transfer: ssh key or password required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if config.Port == "" {
		config.Port = DefaultSSHPort
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	return &SSH{
		logger: logger.WithComponent("transfer.ssh"),
		config: config,
	}, nil
}

// Name returns "ssh".
func (t *SSH) Name() string {
	return "ssh"
}

// Upload copies a local file to the remote path. Failed attempts are
// retried with exponential backoff; the connection is re-dialed
// between attempts.
func (t *SSH) Upload(ctx context.Context, localPath, remotePath string) error {
	var b backoff.BackOff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	)
	if t.config.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(t.config.MaxRetries))
	} else {
		b = &backoff.StopBackOff{}
	}
	b = backoff.WithContext(b, ctx)
	b.Reset()

	err := backoff.Retry(func() error {
		err := t.attempt(ctx, localPath, remotePath)
		if err != nil {
			t.logger.Warn("upload attempt failed", "remote", remotePath, "error", err)
			t.dropConnection()
		}
		return err
	}, b)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: transfer deadline exceeded", types.ErrTimeout)
		}
		return err
	}

	t.logger.Info("uploaded archive", "remote", remotePath)
	return nil
}

// Close shuts the connection down.
func (t *SSH) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// attempt runs one scp conversation. The session is torn down from the
// outside on context expiry so the protocol goroutine unblocks.
func (t *SSH) attempt(ctx context.Context, localPath, remotePath string) error {
	client, err := t.connect()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("transfer: open session: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		defer session.Close()
		done <- scpSend(session, localPath, remotePath)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		session.Close()
		<-done
		return ctx.Err()
	}
}

func (t *SSH) connect() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transfer: transport closed")
	}
	if t.client != nil {
		return t.client, nil
	}

	var auth []ssh.AuthMethod
	if len(t.config.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(t.config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("transfer: parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.config.Password != "" {
		auth = append(auth, ssh.Password(t.config.Password))
	}

	callback := ssh.InsecureIgnoreHostKey()
	if len(t.config.HostPublicKey) > 0 {
		hostKey, _, _, _, err := ssh.ParseAuthorizedKey(t.config.HostPublicKey)
		if err != nil {
			return nil, fmt.Errorf("transfer: parse host key: %w", err)
		}
		callback = ssh.FixedHostKey(hostKey)
	} else {
		t.logger.Warn("host key verification disabled", "host", t.config.Host)
	}

	addr := net.JoinHostPort(t.config.Host, t.config.Port)
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            auth,
		HostKeyCallback: callback,
		Timeout:         t.config.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: dial %s: %w", addr, err)
	}

	t.logger.Debug("connected", "addr", addr, "user", t.config.User)
	t.client = client
	return client, nil
}

func (t *SSH) dropConnection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}

// scpSend speaks the scp sink protocol: one file header, the payload,
// and a zero byte, each acknowledged by the remote. The file mode is
// fixed at 0600 since archives carry key material.
func scpSend(session *ssh.Session, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("transfer: open local file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("transfer: stat local file: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("transfer: stdin pipe: %w", err)
	}
	rawStdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transfer: stdout pipe: %w", err)
	}
	stdout := bufio.NewReader(rawStdout)

	dir := path.Dir(remotePath)
	if err := session.Start("scp -qt " + shellQuote(dir)); err != nil {
		return fmt.Errorf("transfer: start remote scp: %w", err)
	}
	if err := readAck(stdout); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(stdin, "C0600 %d %s\n", info.Size(), path.Base(remotePath)); err != nil {
		return fmt.Errorf("transfer: write scp header: %w", err)
	}
	if err := readAck(stdout); err != nil {
		return err
	}

	if _, err := io.Copy(stdin, f); err != nil {
		return fmt.Errorf("transfer: stream payload: %w", err)
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return fmt.Errorf("transfer: finish payload: %w", err)
	}
	if err := readAck(stdout); err != nil {
		return err
	}

	if err := stdin.Close(); err != nil {
		return fmt.Errorf("transfer: close stdin: %w", err)
	}
	if err := session.Wait(); err != nil {
		return fmt.Errorf("transfer: remote scp exited: %w", err)
	}
	return nil
}

// readAck consumes one scp status byte; 1 and 2 are followed by an
// error line from the remote.
func readAck(r *bufio.Reader) error {
	status, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("transfer: read scp ack: %w", err)
	}
	switch status {
	case 0:
		return nil
	case 1, 2:
		msg, _ := r.ReadString('\n')
		return fmt.Errorf("transfer: remote scp error: %s", strings.TrimSpace(msg))
	default:
		return fmt.Errorf("transfer: unexpected scp ack 0x%02x", status)
	}
}

// shellQuote single-quotes a path for the remote command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
