package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/shellchat/internal/keys"
	"github.com/ehrlich-b/shellchat/internal/remote"
	"github.com/ehrlich-b/shellchat/internal/store"
	"github.com/ehrlich-b/shellchat/internal/task"
)

func newTestSession(t *testing.T) (*Session, *fakeRemote, *fakeResponder) {
	t.Helper()
	f := newFakeRemote()
	resp := &fakeResponder{}
	s := New(Identity{ChatID: 10, UserID: 20}, Options{
		Connector: f,
		Responder: resp,
		Keys:      &keys.Generator{Dir: t.TempDir(), Comment: "bot@test"},
		Pump:      PumpConfig{Idle: 20 * time.Millisecond, TickEvery: 10 * time.Millisecond},
	})
	s.SetConnection("tester", "example.com", 22)
	if err := s.SetPassword("secret"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	t.Cleanup(func() {
		s.KillAllTasks(context.Background())
		select {
		case <-f.release:
		default:
			close(f.release)
		}
	})
	return s, f, resp
}

func waitTask(t *testing.T, tk *task.Task) task.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := tk.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		t.Fatalf("task %d did not finish", tk.ID())
	}
	return st
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

func TestExecuteWithoutConnectionFails(t *testing.T) {
	s := New(Identity{ChatID: 1, UserID: 1}, Options{Connector: newFakeRemote(), Responder: &fakeResponder{}})
	_, err := s.ExecuteCommand(context.Background(), "ls")
	if !IsKind(err, ConnectionFailure) {
		t.Fatalf("err = %v, want connection failure", err)
	}
	if !errors.Is(err, remote.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if len(s.Tasks()) != 0 {
		t.Fatal("task registered despite missing credentials")
	}
}

func TestResetClearsCredentials(t *testing.T) {
	s, f, _ := newTestSession(t)
	ctx := context.Background()

	if _, err := s.ChangeDirectory(ctx, "/tmp"); err != nil {
		t.Fatalf("cd: %v", err)
	}
	s.Reset(ctx)

	info := s.ConnectionInfo()
	if info.User != "" || info.Host != "" || info.Port != 0 || info.HasPassword || info.Dir != "" || info.KeyPath != "" {
		t.Fatalf("info after reset = %+v", info)
	}
	before := len(f.seen())
	_, err := s.ExecuteCommand(ctx, "ls")
	if !IsKind(err, ConnectionFailure) {
		t.Fatalf("err = %v, want connection failure", err)
	}
	if len(f.seen()) != before {
		t.Fatal("command reached the remote with cleared credentials")
	}
	if s.Identity() != (Identity{ChatID: 10, UserID: 20}) {
		t.Fatal("identity changed by reset")
	}
}

func TestResetStopsLiveTasks(t *testing.T) {
	s, _, resp := newTestSession(t)
	ctx := context.Background()

	tk, err := s.ExecuteCommand(ctx, "hang")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	resp.waitFor(t, "[started task: 0]")

	if n := s.Reset(ctx); n != 1 {
		t.Fatalf("reset stopped %d tasks, want 1", n)
	}
	if st := waitTask(t, tk); st != task.Cancelled {
		t.Fatalf("state = %s, want cancelled", st)
	}
	resp.waitFor(t, "[Task stopped: 0]")
}

func TestSetConnectionToOtherAccountForgetsDir(t *testing.T) {
	s, _, _ := newTestSession(t)
	if _, err := s.ChangeDirectory(context.Background(), "/var"); err != nil {
		t.Fatalf("cd: %v", err)
	}
	s.SetConnection("tester", "example.com", 22)
	if s.Dir() != "/var" {
		t.Fatalf("dir = %q, same account should keep it", s.Dir())
	}
	s.SetConnection("other", "example.com", 22)
	if s.Dir() != "" {
		t.Fatalf("dir = %q, want cleared", s.Dir())
	}
}

func TestConnectionInfoHidesPassword(t *testing.T) {
	s, _, _ := newTestSession(t)
	text := s.ConnectionInfo().String()
	if strings.Contains(text, "secret") {
		t.Fatalf("password leaked: %s", text)
	}
	if !strings.Contains(text, "password: set") || !strings.Contains(text, "host:     example.com") {
		t.Fatalf("info = %s", text)
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func TestExecuteStreamsOutputAfterStartNotice(t *testing.T) {
	s, f, resp := newTestSession(t)

	tk, err := s.ExecuteCommand(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st := waitTask(t, tk); st != task.Completed {
		t.Fatalf("state = %s", st)
	}

	out := resp.waitFor(t, "]\nhello")
	if out.kind != "mono" || out.text != "[0]\nhello\n" {
		t.Fatalf("output message = %+v", out)
	}
	if started := resp.index("[started task: 0] echo hello"); started < 0 || started > resp.index("hello\n") {
		t.Fatalf("start notice missing or late: %+v", resp.all())
	}
	if cmds := f.seen(); len(cmds) != 1 || cmds[0] != "echo hello" {
		t.Fatalf("commands = %q", cmds)
	}
	eventually(t, func() bool { return len(s.Tasks()) == 0 }, "finished task still registered")
}

func TestChangeDirectoryPersistsAcrossCommands(t *testing.T) {
	s, f, resp := newTestSession(t)
	ctx := context.Background()

	dir, err := s.ChangeDirectory(ctx, "/tmp")
	if err != nil {
		t.Fatalf("cd: %v", err)
	}
	if dir != "/tmp" {
		t.Fatalf("dir = %q", dir)
	}
	resp.waitFor(t, "listing /tmp")

	tk, err := s.ExecuteCommand(ctx, "pwd")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitTask(t, tk)
	out := resp.waitFor(t, "]\n/tmp\n")
	if out.text != fmt.Sprintf("[%d]\n/tmp\n", tk.ID()) {
		t.Fatalf("pwd output = %q", out.text)
	}

	found := false
	for _, c := range f.seen() {
		if c == "cd '/tmp' && pwd" {
			found = true
		}
	}
	if !found {
		t.Fatalf("commands = %q", f.seen())
	}
}

func TestChangeDirectoryRelative(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	if _, err := s.ChangeDirectory(ctx, "/var"); err != nil {
		t.Fatalf("cd /var: %v", err)
	}
	dir, err := s.ChangeDirectory(ctx, "log")
	if err != nil {
		t.Fatalf("cd log: %v", err)
	}
	if dir != "/var/log" {
		t.Fatalf("dir = %q, want /var/log", dir)
	}
	if dir, _ := s.ChangeDirectory(ctx, "~"); dir != "/home/tester" {
		t.Fatalf("cd ~ = %q", dir)
	}
}

func TestChangeDirectoryMissingKeepsDir(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	s.ChangeDirectory(ctx, "/tmp")

	_, err := s.ChangeDirectory(ctx, "/nope")
	if !IsKind(err, ExecutionFailure) {
		t.Fatalf("err = %v, want execution failure", err)
	}
	if !strings.Contains(RootCause(err), "No such file or directory") {
		t.Fatalf("root cause = %q", RootCause(err))
	}
	if s.Dir() != "/tmp" {
		t.Fatalf("dir = %q, want /tmp kept", s.Dir())
	}
}

func TestConcurrentChangeDirectory(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	targets := []string{"/tmp", "/var", "/var/log", "/home"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.ChangeDirectory(ctx, targets[i%len(targets)])
			s.ExecuteCommand(ctx, "pwd")
		}(i)
	}
	wg.Wait()

	valid := map[string]bool{"/tmp": true, "/var": true, "/var/log": true, "/home": true}
	if !valid[s.Dir()] {
		t.Fatalf("dir = %q after concurrent cd", s.Dir())
	}
}

func TestPrintWorkingDirectory(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	dir, err := s.PrintWorkingDirectory(ctx)
	if err != nil {
		t.Fatalf("pwd: %v", err)
	}
	if dir != "/home/tester" {
		t.Fatalf("dir = %q, want remote default", dir)
	}
	if s.Dir() != "" {
		t.Fatal("pwd should not pin the directory")
	}

	s.ChangeDirectory(ctx, "/var")
	if dir, _ := s.PrintWorkingDirectory(ctx); dir != "/var" {
		t.Fatalf("dir = %q", dir)
	}
}

func TestChangeDirectoryCanBeStopped(t *testing.T) {
	s, f, resp := newTestSession(t)
	f.stale = map[string]bool{"/var/log": true}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.ChangeDirectory(ctx, "/var/log")
		done <- err
	}()
	eventually(t, func() bool { return len(s.Tasks()) == 1 }, "cd is not a live task")
	if label := s.Tasks()[0].Label(); label != "cd /var/log" {
		t.Fatalf("label = %q", label)
	}

	if n := s.StopAllTasks(ctx); n != 1 {
		t.Fatalf("stopped %d tasks, want 1", n)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("err = %v, want ErrInterrupted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cd did not return after stop")
	}
	resp.waitFor(t, "[Task stopped: 0]")
	if s.Dir() != "" {
		t.Fatalf("dir = %q after interrupted cd", s.Dir())
	}
	for _, c := range f.seen() {
		if strings.HasSuffix(c, "&& ls") {
			t.Fatalf("listing started after interrupted cd: %q", c)
		}
	}
}

func TestChangeDirectoryCanBeKilled(t *testing.T) {
	s, f, resp := newTestSession(t)
	f.frozen = map[string]bool{"/var/log": true}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.ChangeDirectory(ctx, "/var/log")
		done <- err
	}()
	eventually(t, func() bool { return len(s.Tasks()) == 1 }, "cd is not a live task")

	if n := s.KillAllTasks(ctx); n != 1 {
		t.Fatalf("killed %d tasks, want 1", n)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("err = %v, want ErrInterrupted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cd did not return after kill")
	}
	if resp.index("[Task killed: 0]") < 0 {
		t.Fatalf("kill not confirmed: %+v", resp.all())
	}
}

func TestChangeDirectoryTimesOut(t *testing.T) {
	s, f, _ := newTestSession(t)
	s.opts.QueryTimeout = 50 * time.Millisecond
	f.frozen = map[string]bool{"/var/log": true}

	start := time.Now()
	_, err := s.ChangeDirectory(context.Background(), "/var/log")
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("err = %v, want ErrQueryTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cd returned after %v", time.Since(start))
	}
	if len(s.Tasks()) != 0 {
		t.Fatal("timed out cd still live")
	}

	// The directory lock is free again.
	if _, err := s.ChangeDirectory(context.Background(), "/tmp"); err != nil {
		t.Fatalf("cd after timeout: %v", err)
	}
}

func TestChangeDirectoryHonorsCallerContext(t *testing.T) {
	s, f, _ := newTestSession(t)
	f.stale = map[string]bool{"/var/log": true}
	s.ChangeDirectory(context.Background(), "/tmp")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.ChangeDirectory(ctx, "/var/log")
		done <- err
	}()
	eventually(t, func() bool {
		for _, tk := range s.Tasks() {
			if tk.Label() == "cd /var/log" {
				return true
			}
		}
		return false
	}, "cd never started")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cd ignored its context")
	}
	if s.Dir() != "/tmp" {
		t.Fatalf("dir = %q, want /tmp kept", s.Dir())
	}
}

func TestPrintWorkingDirectoryCanBeKilled(t *testing.T) {
	s, f, resp := newTestSession(t)
	f.stale = map[string]bool{"/home/tester": true}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.PrintWorkingDirectory(ctx)
		done <- err
	}()
	eventually(t, func() bool { return len(s.Tasks()) == 1 }, "pwd is not a live task")
	tk := s.Tasks()[0]
	if tk.Label() != "pwd" {
		t.Fatalf("label = %q", tk.Label())
	}

	if err := s.KillTask(ctx, tk.ID()); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("err = %v, want ErrInterrupted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pwd did not return after kill")
	}
	resp.waitFor(t, fmt.Sprintf("[Task killed: %d]", tk.ID()))
}

func TestNonZeroExitReported(t *testing.T) {
	s, _, resp := newTestSession(t)
	tk, err := s.ExecuteCommand(context.Background(), "false")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st := waitTask(t, tk); st != task.Completed {
		t.Fatalf("state = %s", st)
	}
	resp.waitFor(t, "[0] exit status 3")
}

func TestConnectFailureIsCompletedTask(t *testing.T) {
	s, f, resp := newTestSession(t)
	f.connectErr = fmt.Errorf("dial example.com:22: %w", errors.New("connection refused"))

	tk, err := s.ExecuteCommand(context.Background(), "ls")
	if err != nil {
		t.Fatalf("dispatch should succeed: %v", err)
	}
	if st := waitTask(t, tk); st != task.Completed {
		t.Fatalf("state = %s, want completed", st)
	}
	if !IsKind(tk.Err(), ConnectionFailure) {
		t.Fatalf("err = %v", tk.Err())
	}
	msg := resp.waitFor(t, "connection refused")
	if msg.text != "connection refused" {
		t.Fatalf("user saw %q, want only the root cause", msg.text)
	}
}

func TestSudoNeedsPassword(t *testing.T) {
	f := newFakeRemote()
	s := New(Identity{ChatID: 1, UserID: 1}, Options{Connector: f, Responder: &fakeResponder{}})
	s.SetConnection("tester", "example.com", 22)

	_, err := s.ExecutePrivilegedCommand(context.Background(), "whoami")
	if !errors.Is(err, ErrNoPassword) {
		t.Fatalf("err = %v, want ErrNoPassword", err)
	}
}

func TestSudoFeedsPassword(t *testing.T) {
	s, f, resp := newTestSession(t)
	ctx := context.Background()
	s.ChangeDirectory(ctx, "/tmp")

	tk, err := s.ExecutePrivilegedCommand(ctx, "echo root")
	if err != nil {
		t.Fatalf("sudo: %v", err)
	}
	waitTask(t, tk)
	resp.waitFor(t, "[started task: "+fmt.Sprint(tk.ID())+"] sudo echo root")

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sudoPass) != 1 || f.sudoPass[0] != "secret" {
		t.Fatalf("sudo passwords = %q", f.sudoPass)
	}
	found := false
	for _, c := range f.commands {
		if c == "cd '/tmp' && echo root" {
			found = true
		}
	}
	if !found {
		t.Fatalf("commands = %q", f.commands)
	}
}

// ---------------------------------------------------------------------------
// Stop and kill
// ---------------------------------------------------------------------------

func TestStopConfirmsAfterCompletion(t *testing.T) {
	s, _, resp := newTestSession(t)
	ctx := context.Background()

	tk, err := s.ExecuteCommand(ctx, "hang")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	resp.waitFor(t, "[started task: 0] hang")
	resp.waitFor(t, "[0]\nwaiting")

	if err := s.StopTask(ctx, tk.ID()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := waitTask(t, tk); st != task.Cancelled {
		t.Fatalf("state = %s, want cancelled", st)
	}
	resp.waitFor(t, "[Task stopped: 0]")

	if out, stopped := resp.index("[0]\nwaiting"), resp.index("[Task stopped: 0]"); out < 0 || out > stopped {
		t.Fatalf("flush/confirmation order wrong: %+v", resp.all())
	}
	eventually(t, func() bool { return len(s.Tasks()) == 0 }, "stopped task still registered")
}

func TestKillDoesNotWaitForRemote(t *testing.T) {
	s, _, resp := newTestSession(t)
	ctx := context.Background()

	tk, err := s.ExecuteCommand(ctx, "stubborn")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	resp.waitFor(t, "[started task: 0] stubborn")

	if err := s.KillTask(ctx, 0); err != nil {
		t.Fatalf("kill: %v", err)
	}
	// Kill confirms synchronously.
	if tk.State() != task.Killed {
		t.Fatalf("state = %s, want killed", tk.State())
	}
	if resp.index("[Task killed: 0]") < 0 {
		t.Fatalf("kill not confirmed: %+v", resp.all())
	}
	if len(s.Tasks()) != 0 {
		t.Fatal("killed task still live")
	}

	// The id stays reserved while the body is stuck.
	next, err := s.ExecuteCommand(ctx, "echo next")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if next.ID() != 1 {
		t.Fatalf("id = %d, want 1 while 0 is reserved", next.ID())
	}
	waitTask(t, next)
}

func TestStopThenKillConfirmsOnlyKill(t *testing.T) {
	s, f, resp := newTestSession(t)
	ctx := context.Background()

	tk, err := s.ExecuteCommand(ctx, "stubborn")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	resp.waitFor(t, "[started task: 0] stubborn")

	s.StopTask(ctx, 0)
	if tk.State() != task.Running {
		t.Fatalf("state = %s, stubborn task should ignore stop", tk.State())
	}
	s.KillTask(ctx, 0)
	resp.waitFor(t, "[Task killed: 0]")

	close(f.release)
	select {
	case <-tk.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("body never exited")
	}
	if i := resp.index("[Task stopped: 0]"); i >= 0 {
		t.Fatalf("killed task also reported stopped: %+v", resp.all())
	}
}

func TestStopUnknownTask(t *testing.T) {
	s, _, resp := newTestSession(t)
	if err := s.StopTask(context.Background(), 7); !errors.Is(err, ErrNoSuchTask) {
		t.Fatalf("err = %v", err)
	}
	if err := s.KillTask(context.Background(), 8); !errors.Is(err, ErrNoSuchTask) {
		t.Fatalf("err = %v", err)
	}
	resp.waitFor(t, "Task with given id does not exist: 7")
	resp.waitFor(t, "Task with given id does not exist: 8")
}

func TestStopAllTasks(t *testing.T) {
	s, _, resp := newTestSession(t)
	ctx := context.Background()

	var tasks []*task.Task
	for i := 0; i < 3; i++ {
		tk, err := s.ExecuteCommand(ctx, "hang")
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		tasks = append(tasks, tk)
	}
	if n := s.StopAllTasks(ctx); n != 3 {
		t.Fatalf("stopped %d, want 3", n)
	}
	for _, tk := range tasks {
		if st := waitTask(t, tk); st != task.Cancelled {
			t.Fatalf("task %d state = %s", tk.ID(), st)
		}
	}
	for i := 0; i < 3; i++ {
		resp.waitFor(t, fmt.Sprintf("[Task stopped: %d]", i))
	}
	if n := s.StopAllTasks(ctx); n != 0 {
		t.Fatalf("second stopall stopped %d", n)
	}
}

func TestKillAllTasks(t *testing.T) {
	s, _, resp := newTestSession(t)
	ctx := context.Background()

	a, _ := s.ExecuteCommand(ctx, "hang")
	b, _ := s.ExecuteCommand(ctx, "hang")
	if n := s.KillAllTasks(ctx); n != 2 {
		t.Fatalf("killed %d, want 2", n)
	}
	if a.State() != task.Killed || b.State() != task.Killed {
		t.Fatalf("states = %s %s", a.State(), b.State())
	}
	resp.waitFor(t, "[Task killed: 0]")
	resp.waitFor(t, "[Task killed: 1]")
}

func TestMaxTasksRejects(t *testing.T) {
	f := newFakeRemote()
	s := New(Identity{ChatID: 1, UserID: 1}, Options{Connector: f, Responder: &fakeResponder{}, MaxTasks: 1})
	s.SetConnection("tester", "example.com", 22)
	s.SetPassword("pw")
	defer s.KillAllTasks(context.Background())

	if _, err := s.ExecuteCommand(context.Background(), "hang"); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := s.ExecuteCommand(context.Background(), "hang")
	if !errors.Is(err, task.ErrTooManyTasks) {
		t.Fatalf("err = %v, want ErrTooManyTasks", err)
	}
}

// ---------------------------------------------------------------------------
// Files and keys
// ---------------------------------------------------------------------------

func TestTransferFileUsesDirectory(t *testing.T) {
	s, f, resp := newTestSession(t)
	f.files["/tmp/report.txt"] = "all good"
	ctx := context.Background()
	s.ChangeDirectory(ctx, "/tmp")

	tk, err := s.TransferFile(ctx, "report.txt")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if st := waitTask(t, tk); st != task.Completed || tk.Err() != nil {
		t.Fatalf("state = %s err = %v", st, tk.Err())
	}
	doc := resp.waitForDoc(t)
	if doc.text != "report.txt" || doc.doc != "all good" {
		t.Fatalf("document = %+v", doc)
	}
	if doc.caption != "/tmp/report.txt" {
		t.Fatalf("caption = %q, want the remote path", doc.caption)
	}
}

func TestTransferMissingFile(t *testing.T) {
	s, _, resp := newTestSession(t)
	tk, _ := s.TransferFile(context.Background(), "/tmp/missing")
	waitTask(t, tk)
	if !IsKind(tk.Err(), TransferFailure) {
		t.Fatalf("err = %v, want transfer failure", tk.Err())
	}
	resp.waitFor(t, "file does not exist")
}

func TestGenerateKey(t *testing.T) {
	s, _, resp := newTestSession(t)
	pair, err := s.GenerateKey(context.Background())
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if s.ConnectionInfo().KeyPath != pair.PrivatePath {
		t.Fatalf("key path = %q", s.ConnectionInfo().KeyPath)
	}
	doc := resp.waitForDoc(t)
	if doc.text != "id_ed25519_tester_example.com_10_20.pub" || !strings.HasPrefix(doc.doc, "ssh-ed25519 ") {
		t.Fatalf("document = %+v", doc)
	}
}

func TestGenerateKeyDoesNotReplaceOtherSessionsKey(t *testing.T) {
	gen := &keys.Generator{Dir: t.TempDir(), Comment: "bot@test"}
	open := func(id Identity) *Session {
		s := New(id, Options{Connector: newFakeRemote(), Responder: &fakeResponder{}, Keys: gen})
		s.SetConnection("deploy", "db1", 22)
		return s
	}
	a, b := open(Identity{ChatID: 1, UserID: 1}), open(Identity{ChatID: 2, UserID: 2})

	pa, err := a.GenerateKey(context.Background())
	if err != nil {
		t.Fatalf("keygen a: %v", err)
	}
	before, _ := os.ReadFile(pa.PrivatePath)
	pb, err := b.GenerateKey(context.Background())
	if err != nil {
		t.Fatalf("keygen b: %v", err)
	}
	if pa.PrivatePath == pb.PrivatePath {
		t.Fatalf("sessions share %s", pa.PrivatePath)
	}
	if after, _ := os.ReadFile(a.ConnectionInfo().KeyPath); string(after) != string(before) {
		t.Fatal("session a's private key changed")
	}
}

func TestGenerateKeyNeedsAccount(t *testing.T) {
	s := New(Identity{}, Options{Responder: &fakeResponder{}, Keys: keys.NewGenerator(t.TempDir())})
	if _, err := s.GenerateKey(context.Background()); !IsKind(err, ConnectionFailure) {
		t.Fatalf("err = %v", err)
	}
}

func TestAuthorizeKey(t *testing.T) {
	s, f, resp := newTestSession(t)
	tk, err := s.AuthorizeKey(context.Background())
	if err != nil {
		t.Fatalf("keyauth: %v", err)
	}
	waitTask(t, tk)
	resp.waitFor(t, "[Public key installed]")

	if s.ConnectionInfo().KeyPath == "" {
		t.Fatal("key path not set after install")
	}
	cmds := f.seen()
	if !strings.Contains(cmds[len(cmds)-1], ">> ~/.ssh/authorized_keys") {
		t.Fatalf("install command = %q", cmds[len(cmds)-1])
	}
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

func TestRunsAreRecorded(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	f := newFakeRemote()
	resp := &fakeResponder{}
	s := New(Identity{ChatID: 5, UserID: 6}, Options{Connector: f, Responder: resp, Recorder: st})
	s.SetConnection("tester", "example.com", 22)
	s.SetPassword("pw")
	ctx := context.Background()

	ok, _ := s.ExecuteCommand(ctx, "echo fine")
	waitTask(t, ok)
	bad, _ := s.ExecuteCommand(ctx, "false")
	waitTask(t, bad)
	hung, _ := s.ExecuteCommand(ctx, "hang")
	resp.waitFor(t, "] hang")
	s.StopTask(ctx, hung.ID())
	waitTask(t, hung)

	var runs []*store.Run
	eventually(t, func() bool {
		runs, _ = s.History(10)
		if len(runs) != 3 {
			return false
		}
		for _, r := range runs {
			if r.FinishedAt == nil {
				return false
			}
		}
		return true
	}, "runs not recorded")

	byLabel := map[string]*store.Run{}
	for _, r := range runs {
		byLabel[r.Label] = r
	}
	if r := byLabel["echo fine"]; r.State != "completed" || r.ExitCode == nil || *r.ExitCode != 0 {
		t.Errorf("echo run = %+v", r)
	}
	if r := byLabel["false"]; r.ExitCode == nil || *r.ExitCode != 3 {
		t.Errorf("false run = %+v", r)
	}
	if r := byLabel["hang"]; r.State != "cancelled" {
		t.Errorf("hang run state = %s", r.State)
	}
	entries, _ := st.ListLogByRun(hung.RunID())
	if len(entries) != 1 || entries[0].Event != "stop" {
		t.Errorf("hang log = %+v", entries)
	}
}

func TestHistoryDisabled(t *testing.T) {
	s := New(Identity{}, Options{Responder: &fakeResponder{}})
	if _, err := s.History(5); err == nil {
		t.Fatal("expected error without a recorder")
	}
}
