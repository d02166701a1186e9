package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/shellchat/internal/remote"
)

// fakeRemote is an in-memory remote machine. It understands the command
// shapes the session builds: a chain of "cd <dir> && " prefixes followed by
// one of a few known commands.
type fakeRemote struct {
	home  string
	dirs  map[string]bool
	files map[string]string

	// release unblocks "stubborn" commands, which ignore Close.
	release chan struct{}

	// A cd into a stale directory hangs until the stream is closed; into a
	// frozen one it hangs until release, like "stubborn".
	stale  map[string]bool
	frozen map[string]bool

	mu         sync.Mutex
	connectErr error
	creds      []remote.Credentials
	commands   []string
	sudoPass   []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		home: "/home/tester",
		dirs: map[string]bool{
			"/": true, "/tmp": true, "/var": true, "/var/log": true,
			"/home": true, "/home/tester": true,
		},
		files:   map[string]string{},
		release: make(chan struct{}),
	}
}

func (f *fakeRemote) Connect(ctx context.Context, creds remote.Credentials) (remote.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.creds = append(f.creds, creds)
	return &fakeClient{f: f}, nil
}

func (f *fakeRemote) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeRemote) resolve(cwd, arg string) (string, bool) {
	var p string
	switch {
	case arg == "~":
		p = f.home
	case strings.HasPrefix(arg, "~/"):
		p = path.Join(f.home, arg[2:])
	case path.IsAbs(arg):
		p = path.Clean(arg)
	default:
		p = path.Join(cwd, arg)
	}
	return p, f.dirs[p]
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "~/") {
		return "~/" + unquote(s[2:])
	}
	return strings.Trim(s, "'")
}

type fakeClient struct {
	f *fakeRemote
}

func (c *fakeClient) Execute(ctx context.Context, command string) (remote.Stream, error) {
	c.f.mu.Lock()
	c.f.commands = append(c.f.commands, command)
	c.f.mu.Unlock()
	return c.f.exec(command)
}

func (c *fakeClient) ExecutePrivileged(ctx context.Context, command, password string) (remote.Stream, error) {
	c.f.mu.Lock()
	c.f.sudoPass = append(c.f.sudoPass, password)
	c.f.mu.Unlock()
	return c.Execute(ctx, command)
}

func (c *fakeClient) OpenFileChannel(ctx context.Context) (remote.FileChannel, error) {
	return &fakeFiles{f: c.f}, nil
}

func (c *fakeClient) Close() error { return nil }

type exitErr int

func (e exitErr) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func (e exitErr) ExitStatus() int { return int(e) }

func (f *fakeRemote) exec(command string) (remote.Stream, error) {
	cwd := f.home
	rest := command
	for strings.HasPrefix(rest, "cd ") {
		i := strings.Index(rest, " && ")
		if i < 0 {
			break
		}
		arg := unquote(rest[3:i])
		next, ok := f.resolve(cwd, arg)
		if f.stale[next] {
			return hanging(""), nil
		}
		if f.frozen[next] {
			<-f.release
			return hanging(""), nil
		}
		if !ok {
			return finished(fmt.Sprintf("sh: cd: %s: No such file or directory\n", arg), 1), nil
		}
		cwd = next
		rest = rest[i+4:]
	}
	if f.stale[cwd] {
		return hanging(""), nil
	}

	switch {
	case rest == "pwd":
		return finished(cwd+"\n", 0), nil
	case rest == "ls":
		return finished("listing "+cwd+"\n", 0), nil
	case rest == "false":
		return finished("", 3), nil
	case strings.HasPrefix(rest, "echo "):
		return finished(rest[len("echo "):]+"\n", 0), nil
	case rest == "hang":
		return hanging("waiting\n"), nil
	case rest == "stubborn":
		// The channel open itself never returns until released.
		<-f.release
		return hanging(""), nil
	}
	return finished("", 0), nil
}

type fakeStream struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	closed chan struct{}
	once   sync.Once
	done   chan struct{}
	err    error
}

func newFakeStream() *fakeStream {
	pr, pw := io.Pipe()
	return &fakeStream{pr: pr, pw: pw, closed: make(chan struct{}), done: make(chan struct{})}
}

// finished streams out and then exits with code.
func finished(out string, code int) *fakeStream {
	s := newFakeStream()
	go func() {
		if out != "" {
			s.pw.Write([]byte(out))
		}
		s.pw.Close()
		if code != 0 {
			s.err = exitErr(code)
		}
		close(s.done)
	}()
	return s
}

// hanging writes out and then produces nothing until closed.
func hanging(out string) *fakeStream {
	s := newFakeStream()
	go func() {
		if out != "" {
			s.pw.Write([]byte(out))
		}
		<-s.closed
		s.pw.Close()
		s.err = errors.New("channel closed")
		close(s.done)
	}()
	return s
}

func (s *fakeStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *fakeStream) Wait() error {
	<-s.done
	return s.err
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.pr.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

type fakeFiles struct {
	f   *fakeRemote
	dir string
}

func (c *fakeFiles) Chdir(dir string) error {
	base := c.dir
	if base == "" {
		base = c.f.home
	}
	p, ok := c.f.resolve(base, dir)
	if !ok {
		return fmt.Errorf("no such directory: %s", dir)
	}
	c.dir = p
	return nil
}

func (c *fakeFiles) Getwd() (string, error) {
	if c.dir == "" {
		return c.f.home, nil
	}
	return c.dir, nil
}

func (c *fakeFiles) Get(p string) (io.ReadCloser, error) {
	wd, _ := c.Getwd()
	if !path.IsAbs(p) {
		p = path.Join(wd, p)
	}
	data, ok := c.f.files[p]
	if !ok {
		return nil, fmt.Errorf("file does not exist")
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func (c *fakeFiles) Close() error { return nil }

type message struct {
	kind    string // text, mono, doc
	text    string
	doc     string
	caption string
}

type fakeResponder struct {
	mu   sync.Mutex
	msgs []message
}

func (r *fakeResponder) add(m message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *fakeResponder) Send(ctx context.Context, chatID int64, text string) error {
	r.add(message{kind: "text", text: text})
	return nil
}

func (r *fakeResponder) SendMono(ctx context.Context, chatID int64, text string) error {
	r.add(message{kind: "mono", text: text})
	return nil
}

func (r *fakeResponder) SendDocument(ctx context.Context, chatID int64, name string, rd io.Reader, caption string) error {
	data, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	r.add(message{kind: "doc", text: name, doc: string(data), caption: caption})
	return nil
}

func (r *fakeResponder) all() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.msgs...)
}

// index returns the position of the first message whose text contains sub,
// or -1.
func (r *fakeResponder) index(sub string) int {
	for i, m := range r.all() {
		if strings.Contains(m.text, sub) {
			return i
		}
	}
	return -1
}

func (r *fakeResponder) waitFor(t *testing.T, sub string) message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if i := r.index(sub); i >= 0 {
			return r.all()[i]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message containing %q; got %+v", sub, r.all())
	return message{}
}

func (r *fakeResponder) waitForDoc(t *testing.T) message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range r.all() {
			if m.kind == "doc" {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no document sent; got %+v", r.all())
	return message{}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
