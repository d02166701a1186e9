package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ehrlich-b/shellchat/internal/logger"
)

// DefaultConnectTimeout bounds dialing plus the SSH handshake.
const DefaultConnectTimeout = 10 * time.Second

// SSHConnector dials SSH servers. Command execution itself has no timeout.
type SSHConnector struct {
	Timeout        time.Duration
	KnownHostsFile string // empty means host keys are not verified

	// HostKeyCallback overrides KnownHostsFile when set.
	HostKeyCallback ssh.HostKeyCallback

	warnOnce sync.Once
}

// NewSSHConnector returns a connector with the given timeout and known_hosts
// file.
func NewSSHConnector(timeout time.Duration, knownHostsFile string) *SSHConnector {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &SSHConnector{Timeout: timeout, KnownHostsFile: knownHostsFile}
}

// Connect dials creds and authenticates with the key file and/or password.
func (c *SSHConnector) Connect(ctx context.Context, creds Credentials) (Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	cfg, err := c.clientConfig(creds)
	if err != nil {
		return nil, err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := creds.Addr()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	logger.Debug("ssh connected", "addr", addr, "user", creds.User)
	return &sshClient{client: ssh.NewClient(sc, chans, reqs)}, nil
}

func (c *SSHConnector) clientConfig(creds Credentials) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if creds.KeyPath != "" {
		signer, err := loadSigner(creds.KeyPath)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		pw := creds.Password
		auth = append(auth,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}
	if len(auth) == 0 {
		return nil, errors.New("no password or key set, use /password or /keyauth")
	}

	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.Timeout,
	}, nil
}

func (c *SSHConnector) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.HostKeyCallback != nil {
		return c.HostKeyCallback, nil
	}
	if c.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return cb, nil
	}
	c.warnOnce.Do(func() {
		logger.Warn("ssh host keys are not verified; set ssh.known_hosts to enable checking")
	})
	return ssh.InsecureIgnoreHostKey(), nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

type sshClient struct {
	client *ssh.Client
}

func (c *sshClient) Execute(ctx context.Context, command string) (Stream, error) {
	return c.exec(ctx, command, nil)
}

func (c *sshClient) ExecutePrivileged(ctx context.Context, command, password string) (Stream, error) {
	return c.exec(ctx, Privileged(command), strings.NewReader(password+"\n"))
}

func (c *sshClient) exec(ctx context.Context, command string, stdin io.Reader) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open exec channel: %w", err)
	}

	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw
	if stdin != nil {
		sess.Stdin = stdin
	}
	if err := sess.Start(command); err != nil {
		sess.Close()
		pw.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}

	s := &execStream{sess: sess, r: pr, exited: make(chan struct{})}
	go func() {
		s.err = sess.Wait()
		pw.Close()
		close(s.exited)
	}()
	return s, nil
}

func (c *sshClient) OpenFileChannel(ctx context.Context) (FileChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cl, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}
	return &sftpChannel{client: cl}, nil
}

func (c *sshClient) Close() error {
	return c.client.Close()
}

type execStream struct {
	sess   *ssh.Session
	r      *io.PipeReader
	exited chan struct{}
	err    error
	once   sync.Once
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *execStream) Wait() error {
	<-s.exited
	return s.err
}

func (s *execStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sess.Close()
		s.r.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

// ExitStatus extracts the remote exit code from a Stream.Wait error. Any
// error with an ExitStatus method counts, *ssh.ExitError included.
func ExitStatus(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var ee interface{ ExitStatus() int }
	if errors.As(err, &ee) {
		return ee.ExitStatus(), true
	}
	return 0, false
}
