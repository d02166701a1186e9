// Package session holds the per-chat state of shellchat: connection settings,
// the remembered working directory, and the tasks running on the remote
// machine on the user's behalf.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/shellchat/internal/keys"
	"github.com/ehrlich-b/shellchat/internal/logger"
	"github.com/ehrlich-b/shellchat/internal/remote"
	"github.com/ehrlich-b/shellchat/internal/secret"
	"github.com/ehrlich-b/shellchat/internal/store"
	"github.com/ehrlich-b/shellchat/internal/task"
)

// Identity is the (chat, user) pair a session belongs to.
type Identity struct {
	ChatID int64
	UserID int64
}

func (id Identity) String() string {
	return fmt.Sprintf("%d:%d", id.ChatID, id.UserID)
}

// Run kinds recorded in the audit log.
const (
	KindCommand  = "command"
	KindSudo     = "sudo"
	KindDownload = "download"
	KindKeyAuth  = "keyauth"
)

// DefaultQueryTimeout is used when Options.QueryTimeout is unset.
const DefaultQueryTimeout = 30 * time.Second

// PumpConfig paces command output into chat messages.
type PumpConfig struct {
	Idle      time.Duration
	MaxBuffer int
	TickEvery time.Duration
}

// Options are shared by every session of a Registry.
type Options struct {
	Connector remote.Connector
	Responder Responder
	Box       *secret.Box     // nil means a fresh per-process box
	Keys      *keys.Generator // nil disables /keygen and /keyauth
	Recorder  Recorder        // nil disables the audit log
	Pump      PumpConfig
	MaxTasks  int
	KillGrace time.Duration

	// QueryTimeout bounds the wait for the round trips behind /cd and /pwd.
	QueryTimeout time.Duration
}

// Info is a snapshot of the connection settings, without secrets.
type Info struct {
	User        string
	Host        string
	Port        int
	HasPassword bool
	KeyPath     string
	Dir         string
}

func (i Info) String() string {
	if i.User == "" && i.Host == "" {
		return "connection info is not set"
	}
	pw := "not set"
	if i.HasPassword {
		pw = "set"
	}
	key := i.KeyPath
	if key == "" {
		key = "none"
	}
	dir := i.Dir
	if dir == "" {
		dir = "(remote default)"
	}
	return fmt.Sprintf("user:     %s\nhost:     %s\nport:     %d\npassword: %s\nkey:      %s\ndir:      %s",
		i.User, i.Host, i.Port, pw, key, dir)
}

// Session is the state of one (chat, user) pair.
type Session struct {
	id    Identity
	opts  Options
	tasks *task.Registry

	mu       sync.Mutex
	user     string
	host     string
	port     int
	password []byte // sealed with opts.Box
	keyPath  string
	dir      string

	// dirMu serializes everything that writes dir. Commands read dir once,
	// at dispatch, under mu.
	dirMu sync.Mutex
}

// New creates a session. Most callers go through Registry.GetOrCreate.
func New(id Identity, opts Options) *Session {
	if opts.Box == nil {
		opts.Box = secret.MustNewBox()
	}
	reg := task.NewRegistry()
	reg.MaxTasks = opts.MaxTasks
	if opts.KillGrace > 0 {
		reg.KillGrace = opts.KillGrace
	}
	return &Session{id: id, opts: opts, tasks: reg}
}

func (s *Session) Identity() Identity { return s.id }

// Tasks returns the live tasks ordered by id.
func (s *Session) Tasks() []*task.Task { return s.tasks.List() }

// Dir returns the remembered working directory, empty if unset.
func (s *Session) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// SetConnection sets the remote account. Switching to a different account
// forgets the directory and key of the previous one.
func (s *Session) SetConnection(user, host string, port int) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if user != s.user || host != s.host || port != s.port {
		s.dir = ""
		s.keyPath = ""
	}
	s.user, s.host, s.port = user, host, port
}

// SetPassword stores pw sealed in memory.
func (s *Session) SetPassword(pw string) error {
	sealed, err := s.opts.Box.SealString(pw)
	if err != nil {
		return fail(LocalResourceFailure, "store password", err)
	}
	s.mu.Lock()
	s.password = sealed
	s.mu.Unlock()
	return nil
}

func (s *Session) ConnectionInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		User:        s.user,
		Host:        s.host,
		Port:        s.port,
		HasPassword: len(s.password) > 0,
		KeyPath:     s.keyPath,
		Dir:         s.dir,
	}
}

// credentials returns the current credentials with the password unsealed.
// Every task gets its own copy, taken at dispatch.
func (s *Session) credentials() (remote.Credentials, error) {
	s.mu.Lock()
	creds := remote.Credentials{User: s.user, Host: s.host, Port: s.port, KeyPath: s.keyPath}
	sealed := s.password
	s.mu.Unlock()

	if err := creds.Validate(); err != nil {
		return creds, fail(ConnectionFailure, "connect", err)
	}
	pw, err := s.opts.Box.OpenString(sealed)
	if err != nil {
		return creds, fail(LocalResourceFailure, "unseal password", err)
	}
	creds.Password = pw
	return creds, nil
}

// ExecuteCommand runs text on the remote machine in the remembered directory
// and streams its output back to the chat.
func (s *Session) ExecuteCommand(ctx context.Context, text string) (*task.Task, error) {
	creds, err := s.credentials()
	if err != nil {
		return nil, err
	}
	command := remote.InDir(s.Dir(), text)
	return s.start(ctx, KindCommand, text, creds, func(ctx context.Context, t *task.Task, c remote.Client, rs *runState) error {
		stream, err := c.Execute(ctx, command)
		if err != nil {
			return fail(ExecutionFailure, "execute", err)
		}
		return s.pipe(ctx, t, stream, rs)
	})
}

// ExecutePrivilegedCommand is ExecuteCommand under sudo, answering the
// password prompt with the stored password.
func (s *Session) ExecutePrivilegedCommand(ctx context.Context, text string) (*task.Task, error) {
	creds, err := s.credentials()
	if err != nil {
		return nil, err
	}
	if creds.Password == "" {
		return nil, fail(ConnectionFailure, "sudo", ErrNoPassword)
	}
	command := remote.InDir(s.Dir(), text)
	pw := creds.Password
	return s.start(ctx, KindSudo, "sudo "+text, creds, func(ctx context.Context, t *task.Task, c remote.Client, rs *runState) error {
		stream, err := c.ExecutePrivileged(ctx, command, pw)
		if err != nil {
			return fail(ExecutionFailure, "execute", err)
		}
		return s.pipe(ctx, t, stream, rs)
	})
}

// TransferFile fetches remotePath (relative to the remembered directory) and
// sends it to the chat as a document.
func (s *Session) TransferFile(ctx context.Context, remotePath string) (*task.Task, error) {
	creds, err := s.credentials()
	if err != nil {
		return nil, err
	}
	dir := s.Dir()
	return s.start(ctx, KindDownload, "download "+remotePath, creds, func(ctx context.Context, t *task.Task, c remote.Client, _ *runState) error {
		fc, err := c.OpenFileChannel(ctx)
		if err != nil {
			return fail(TransferFailure, "open file channel", err)
		}
		t.OnAbort(func() { fc.Close() })
		defer fc.Close()

		if dir != "" {
			if err := fc.Chdir(dir); err != nil {
				return fail(TransferFailure, "cd", err)
			}
		}
		r, err := fc.Get(remotePath)
		if err != nil {
			return fail(TransferFailure, "get", err)
		}
		defer r.Close()

		name := path.Base(remotePath)
		caption := remotePath
		if !path.IsAbs(caption) && !strings.HasPrefix(caption, "~") {
			if wd, err := fc.Getwd(); err == nil {
				caption = path.Join(wd, caption)
			}
		}
		if err := s.opts.Responder.SendDocument(ctx, s.id.ChatID, name, r, caption); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fail(DeliveryFailure, "send document", err)
		}
		return nil
	})
}

// ChangeDirectory resolves target on the remote machine relative to the
// remembered directory, remembers the absolute result and starts a listing
// of it. Every remote command runs in a fresh shell, so the directory only
// persists here.
func (s *Session) ChangeDirectory(ctx context.Context, target string) (string, error) {
	creds, err := s.credentials()
	if err != nil {
		return "", err
	}

	s.dirMu.Lock()
	out, err := s.query(ctx, "cd "+target, creds, remote.ResolveDir(s.Dir(), target))
	if err != nil {
		s.dirMu.Unlock()
		return "", err
	}
	dir := lastLine(out)
	if !path.IsAbs(dir) {
		s.dirMu.Unlock()
		return "", fail(ExecutionFailure, "cd", fmt.Errorf("unexpected directory %q", dir))
	}
	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()
	s.dirMu.Unlock()

	if _, err := s.ExecuteCommand(ctx, "ls"); err != nil {
		logger.Warn("directory listing not started", "session", s.id, "error", err)
	}
	return dir, nil
}

// PrintWorkingDirectory returns the remembered directory, asking the remote
// machine for its default when none is set.
func (s *Session) PrintWorkingDirectory(ctx context.Context) (string, error) {
	if dir := s.Dir(); dir != "" {
		return dir, nil
	}
	creds, err := s.credentials()
	if err != nil {
		return "", err
	}
	out, err := s.query(ctx, "pwd", creds, "pwd")
	if err != nil {
		return "", err
	}
	return lastLine(out), nil
}

// GenerateKey creates a key pair for the current account, uses it for future
// connections and sends the public key to the chat.
func (s *Session) GenerateKey(ctx context.Context) (*keys.Pair, error) {
	pair, err := s.generateKey()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.keyPath = pair.PrivatePath
	s.mu.Unlock()

	name := filepath.Base(pair.PublicPath)
	if err := s.opts.Responder.SendDocument(ctx, s.id.ChatID, name, bytes.NewReader(pair.AuthorizedKey), pair.Fingerprint); err != nil {
		logger.Warn("send public key failed", "session", s.id, "error", fail(DeliveryFailure, "send document", err))
	}
	return pair, nil
}

// AuthorizeKey creates a key pair and appends its public key to the remote
// account's authorized_keys, using the current credentials. The key is used
// for future connections once the install succeeds.
func (s *Session) AuthorizeKey(ctx context.Context) (*task.Task, error) {
	creds, err := s.credentials()
	if err != nil {
		return nil, err
	}
	pair, err := s.generateKey()
	if err != nil {
		return nil, err
	}
	command := keys.InstallCommand(pair.AuthorizedKey)
	return s.start(ctx, KindKeyAuth, "install public key "+pair.Fingerprint, creds, func(ctx context.Context, t *task.Task, c remote.Client, rs *runState) error {
		stream, err := c.Execute(ctx, command)
		if err != nil {
			return fail(ExecutionFailure, "execute", err)
		}
		if err := s.pipe(ctx, t, stream, rs); err != nil {
			return err
		}
		if rs.exitCode.Load() != 0 {
			return nil
		}
		s.mu.Lock()
		if s.user == creds.User && s.host == creds.Host {
			s.keyPath = pair.PrivatePath
		}
		s.mu.Unlock()
		s.replyMono(ctx, "[Public key installed]")
		return nil
	})
}

func (s *Session) generateKey() (*keys.Pair, error) {
	if s.opts.Keys == nil {
		return nil, fail(LocalResourceFailure, "keygen", errors.New("key generation is disabled"))
	}
	s.mu.Lock()
	user, host := s.user, s.host
	s.mu.Unlock()
	if user == "" || host == "" {
		return nil, fail(ConnectionFailure, "keygen", remote.ErrNoCredentials)
	}
	pair, err := s.opts.Keys.Generate(s.id.String(), user, host)
	if err != nil {
		return nil, fail(LocalResourceFailure, "keygen", err)
	}
	return pair, nil
}

// StopTask asks task id to stop at its next checkpoint. The confirmation is
// sent once the task has actually finished.
func (s *Session) StopTask(ctx context.Context, id int) error {
	t, ok := s.tasks.Get(id)
	if !ok {
		s.reply(ctx, fmt.Sprintf("Task with given id does not exist: %d", id))
		return ErrNoSuchTask
	}
	s.stop(t)
	return nil
}

// KillTask abandons task id right away. Output it had not delivered yet may
// be lost.
func (s *Session) KillTask(ctx context.Context, id int) error {
	t, ok := s.tasks.Get(id)
	if !ok {
		s.reply(ctx, fmt.Sprintf("Task with given id does not exist: %d", id))
		return ErrNoSuchTask
	}
	s.kill(t)
	return nil
}

// StopAllTasks stops every task live at the time of the call and returns how
// many it stopped.
func (s *Session) StopAllTasks(ctx context.Context) int {
	n := 0
	for _, t := range s.tasks.List() {
		if isDone(t) {
			continue
		}
		s.stop(t)
		n++
	}
	return n
}

// KillAllTasks kills every task live at the time of the call.
func (s *Session) KillAllTasks(ctx context.Context) int {
	n := 0
	for _, t := range s.tasks.List() {
		if isDone(t) {
			continue
		}
		s.kill(t)
		n++
	}
	return n
}

func (s *Session) stop(t *task.Task) {
	id := t.ID()
	s.logEvent(t, "stop")
	t.OnDone(func(t *task.Task) {
		// A kill after the stop confirms on its own.
		if t.State() != task.Cancelled {
			return
		}
		s.replyMono(context.Background(), fmt.Sprintf("[Task stopped: %d]", id))
	})
	t.Stop()
}

func (s *Session) kill(t *task.Task) {
	id := t.ID()
	s.logEvent(t, "kill")
	t.OnDone(func(*task.Task) {
		s.replyMono(context.Background(), fmt.Sprintf("[Task killed: %d]", id))
	})
	t.Kill()
}

// Wait blocks until every task live at the time of the call is done, or ctx
// ends.
func (s *Session) Wait(ctx context.Context) error {
	for _, t := range s.tasks.List() {
		if _, err := t.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Reset stops the session's tasks and forgets its credentials, key and
// directory. Tasks are stopped so none keeps running on credentials the user
// just discarded. The identity and the task registry survive.
func (s *Session) Reset(ctx context.Context) int {
	n := s.StopAllTasks(ctx)

	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user, s.host, s.port = "", "", 0
	s.password = nil
	s.keyPath = ""
	s.dir = ""
	return n
}

// History returns the most recent runs of this session from the audit log.
func (s *Session) History(n int) ([]*store.Run, error) {
	if s.opts.Recorder == nil {
		return nil, errors.New("history is disabled")
	}
	return s.opts.Recorder.RecentRuns(s.id.ChatID, s.id.UserID, n)
}

// runState carries what a task body learns to its completion callback, which
// may run on another goroutine.
type runState struct {
	exitCode atomic.Int64 // -1 until the command exits
}

type taskWork func(ctx context.Context, t *task.Task, c remote.Client, rs *runState) error

// start registers a task that connects with creds and runs work. The body
// waits for the "started" notice so no output can precede it.
func (s *Session) start(ctx context.Context, kind, label string, creds remote.Credentials, work taskWork) (*task.Task, error) {
	gate := make(chan struct{})
	rs := &runState{}
	rs.exitCode.Store(-1)

	t, err := s.tasks.Start(label, func(ctx context.Context, t *task.Task) error {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		client, err := s.opts.Connector.Connect(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fail(ConnectionFailure, "connect", err)
		}
		t.OnAbort(func() { client.Close() })
		defer client.Close()
		return work(ctx, t, client, rs)
	})
	if err != nil {
		return nil, fail(ExecutionFailure, kind, err)
	}

	s.recordStart(t, kind)
	t.OnDone(func(t *task.Task) { s.finished(t, rs) })
	logger.Debug("task started", "session", s.id, "task", t.ID(), "run", t.RunID(), "kind", kind)
	s.reply(ctx, fmt.Sprintf("[started task: %d] %s", t.ID(), label))
	close(gate)
	return t, nil
}

// pipe streams a command's output to the chat and reports a non-zero exit.
func (s *Session) pipe(ctx context.Context, t *task.Task, stream remote.Stream, rs *runState) error {
	t.OnAbort(func() { stream.Close() })
	defer stream.Close()

	// Output already read is delivered even after a stop.
	out := context.WithoutCancel(ctx)
	p := &task.Pump{
		Idle:      s.opts.Pump.Idle,
		MaxBuffer: s.opts.Pump.MaxBuffer,
		TickEvery: s.opts.Pump.TickEvery,
		Emit: func(chunk string) {
			s.replyMono(out, fmt.Sprintf("[%d]\n%s", t.ID(), chunk))
		},
	}
	if err := p.Run(ctx, stream); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(ExecutionFailure, "read output", err)
	}

	werr := stream.Wait()
	code, ok := remote.ExitStatus(werr)
	if !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(ExecutionFailure, "wait", werr)
	}
	rs.exitCode.Store(int64(code))
	if code != 0 {
		s.replyMono(out, fmt.Sprintf("[%d] exit status %d", t.ID(), code))
	}
	return nil
}

// query runs command to completion as a task of its own, so /stop and /kill
// can reach it, and returns the trimmed output. The caller waits at most
// QueryTimeout; after that the task is killed.
func (s *Session) query(ctx context.Context, label string, creds remote.Credentials, command string) (string, error) {
	var out string
	t, err := s.tasks.Start(label, func(ctx context.Context, t *task.Task) error {
		client, err := s.opts.Connector.Connect(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fail(ConnectionFailure, "connect", err)
		}
		t.OnAbort(func() { client.Close() })
		defer client.Close()

		stream, err := client.Execute(ctx, command)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fail(ExecutionFailure, "execute", err)
		}
		defer stream.Close()
		stop := context.AfterFunc(ctx, func() { stream.Close() })
		defer stop()

		data, err := io.ReadAll(stream)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fail(ExecutionFailure, "read output", err)
		}
		text := strings.TrimSpace(string(data))
		if werr := stream.Wait(); werr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if text != "" {
				return fail(ExecutionFailure, "execute", errors.New(lastLine(text)))
			}
			return fail(ExecutionFailure, "execute", werr)
		}
		out = text
		return nil
	})
	if err != nil {
		return "", fail(ExecutionFailure, label, err)
	}
	logger.Debug("query started", "session", s.id, "task", t.ID(), "label", label)

	timeout := s.opts.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state, _ := t.Wait(wctx)
	s.tasks.Remove(t)
	if !state.Terminal() {
		t.Kill()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fail(ExecutionFailure, label, fmt.Errorf("%w after %s", ErrQueryTimeout, timeout))
	}
	if state != task.Completed {
		return "", fail(ExecutionFailure, label, ErrInterrupted)
	}
	if err := t.Err(); err != nil {
		return "", err
	}
	return out, nil
}

func (s *Session) finished(t *task.Task, rs *runState) {
	state := t.State()
	err := t.Err()
	if state == task.Completed && err != nil {
		if IsKind(err, DeliveryFailure) {
			logger.Warn("task output not delivered", "session", s.id, "task", t.ID(), "error", err)
		} else {
			logger.Info("task failed", "session", s.id, "task", t.ID(), "run", t.RunID(), "error", err)
			s.reply(context.Background(), RootCause(err))
		}
	}
	logger.Debug("task finished", "session", s.id, "task", t.ID(), "state", state)

	if s.opts.Recorder == nil {
		return
	}
	var code *int
	if c := rs.exitCode.Load(); c >= 0 && state != task.Killed {
		v := int(c)
		code = &v
	}
	var msg *string
	if err != nil && state == task.Completed {
		m := err.Error()
		msg = &m
	}
	if ferr := s.opts.Recorder.FinishRun(t.RunID(), state.String(), code, msg); ferr != nil {
		logger.Warn("record run finish failed", "run", t.RunID(), "error", ferr)
	}
}

func (s *Session) recordStart(t *task.Task, kind string) {
	if s.opts.Recorder == nil {
		return
	}
	err := s.opts.Recorder.CreateRun(&store.Run{
		RunID:     t.RunID(),
		ChatID:    s.id.ChatID,
		UserID:    s.id.UserID,
		TaskID:    t.ID(),
		Kind:      kind,
		Label:     t.Label(),
		StartedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("record run failed", "run", t.RunID(), "error", err)
	}
}

func (s *Session) logEvent(t *task.Task, event string) {
	if s.opts.Recorder == nil {
		return
	}
	if err := s.opts.Recorder.AppendLog(t.RunID(), event, nil); err != nil {
		logger.Warn("record run event failed", "run", t.RunID(), "event", event, "error", err)
	}
}

func (s *Session) reply(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := s.opts.Responder.Send(ctx, s.id.ChatID, text); err != nil {
		logger.Warn("reply failed", "session", s.id, "error", fail(DeliveryFailure, "send", err))
	}
}

func (s *Session) replyMono(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := s.opts.Responder.SendMono(ctx, s.id.ChatID, text); err != nil {
		logger.Warn("reply failed", "session", s.id, "error", fail(DeliveryFailure, "send", err))
	}
}

func isDone(t *task.Task) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
