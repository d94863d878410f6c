package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SCPOptions configure the scp backend.
type SCPOptions struct {
	KeyDir          string
	KnownHostsFile  string
	InsecureHostKey bool
	Port            int
	DialTimeout     time.Duration
}

// SCP copies files with the scp protocol over an SSH session, using
// per-user keys from the credential endpoint.
type SCP struct {
	creds   *CredentialClient
	opts    SCPOptions
	hostKey ssh.HostKeyCallback
	logger  *zap.SugaredLogger
}

// NewSCP creates the scp backend.
func NewSCP(creds *CredentialClient, opts SCPOptions, logger *zap.SugaredLogger) (*SCP, error) {
	var cb ssh.HostKeyCallback
	switch {
	case opts.KnownHostsFile != "":
		var err error
		cb, err = knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	case opts.InsecureHostKey:
		logger.Warn("SSH host key checking is disabled")
		cb = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("no SSH host key policy configured")
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &SCP{creds: creds, opts: opts, hostKey: cb, logger: logger}, nil
}

func (s *SCP) connect(ctx context.Context, nelsID int64) (*ssh.Client, error) {
	creds, err := s.creds.Fetch(ctx, nelsID)
	if err != nil {
		return nil, err
	}

	keyFile, err := StageKey(s.opts.KeyDir, creds)
	if err != nil {
		return nil, err
	}
	defer os.Remove(keyFile)

	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key for user %d: %w", nelsID, err)
	}

	addr := net.JoinHostPort(creds.Hostname, strconv.Itoa(s.opts.Port))
	d := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: s.hostKey,
		Timeout:         s.opts.DialTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// run starts cmd on a fresh session and hands its pipes to fn. The session
// is torn down if ctx is cancelled.
func (s *SCP) run(ctx context.Context, nelsID int64, cmd string, fn func(w io.Writer, r *bufio.Reader) error) error {
	client, err := s.connect(ctx, nelsID)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("failed to start %q: %w", cmd, err)
	}

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := fn(stdin, bufio.NewReader(stdout)); err != nil {
		return err
	}
	stdin.Close()
	if err := session.Wait(); err != nil {
		return fmt.Errorf("remote scp failed: %w", err)
	}
	return nil
}

func (s *SCP) Push(ctx context.Context, nelsID int64, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	s.logger.Debugf("scp push %s -> %s (%d bytes)", local, remote, st.Size())
	cmd := "scp -qt " + shellQuote(path.Dir(remote))
	return s.run(ctx, nelsID, cmd, func(w io.Writer, r *bufio.Reader) error {
		return scpSend(w, r, path.Base(remote), st.Size(), f)
	})
}

func (s *SCP) Pull(ctx context.Context, nelsID int64, remote, local string) error {
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", local, err)
	}
	defer f.Close()

	s.logger.Debugf("scp pull %s -> %s", remote, local)
	cmd := "scp -qf " + shellQuote(remote)
	err = s.run(ctx, nelsID, cmd, func(w io.Writer, r *bufio.Reader) error {
		_, err := scpReceive(w, r, f)
		return err
	})
	if err != nil {
		return err
	}
	return f.Close()
}

// scpSend drives a remote "scp -t" sink for one file.
func scpSend(w io.Writer, r *bufio.Reader, name string, size int64, data io.Reader) error {
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "C0644 %d %s\n", size, name); err != nil {
		return err
	}
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := io.CopyN(w, data, size); err != nil {
		return fmt.Errorf("failed to send file data: %w", err)
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return readAck(r)
}

// scpReceive drives a remote "scp -f" source for one file.
func scpReceive(w io.Writer, r *bufio.Reader, dst io.Writer) (int64, error) {
	if _, err := w.Write([]byte{0}); err != nil {
		return 0, err
	}

	line, err := r.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("failed to read scp header: %w", err)
	}
	if len(line) > 0 && (line[0] == 1 || line[0] == 2) {
		return 0, fmt.Errorf("remote scp error: %s", strings.TrimSpace(line[1:]))
	}
	if !strings.HasPrefix(line, "C") {
		return 0, fmt.Errorf("unexpected scp header %q", line)
	}
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(fields) != 3 {
		return 0, fmt.Errorf("malformed scp header %q", line)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed scp size %q", fields[1])
	}

	if _, err := w.Write([]byte{0}); err != nil {
		return 0, err
	}
	n, err := io.CopyN(dst, r, size)
	if err != nil {
		return n, fmt.Errorf("failed to receive file data: %w", err)
	}
	if err := readAck(r); err != nil {
		return n, err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return n, err
	}
	return n, nil
}

func readAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read scp ack: %w", err)
	}
	if b == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("remote scp error: %s", strings.TrimSpace(msg))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
