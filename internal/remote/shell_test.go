package remote

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"":           "''",
		"plain":      "'plain'",
		"with space": "'with space'",
		"it's":       `'it'"'"'s'`,
		"$HOME;rm":   "'$HOME;rm'",
	}
	for in, want := range cases {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestQuoteDirKeepsTilde(t *testing.T) {
	if got := QuoteDir("~"); got != "~" {
		t.Fatalf("got %s", got)
	}
	if got := QuoteDir("~/my dir"); got != "~/'my dir'" {
		t.Fatalf("got %s", got)
	}
	if got := QuoteDir("/tmp/~x"); got != "'/tmp/~x'" {
		t.Fatalf("got %s", got)
	}
}

func TestInDir(t *testing.T) {
	if got := InDir("", "ls"); got != "ls" {
		t.Fatalf("got %s", got)
	}
	if got := InDir("/var/log", "ls -la"); got != "cd '/var/log' && ls -la" {
		t.Fatalf("got %s", got)
	}
}

func TestResolveDir(t *testing.T) {
	got := ResolveDir("/home/u", "..")
	want := "cd '/home/u' && cd '..' && pwd"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if got := ResolveDir("", "/etc"); got != "cd '/etc' && pwd" {
		t.Fatalf("got %s", got)
	}
}

func TestPrivileged(t *testing.T) {
	got := Privileged("apt update && echo 'ok'")
	want := `sudo -S -k -p '' sh -c 'exec </dev/null; apt update && echo '"'"'ok'"'"''`
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

// The password goes to sudo's stdin. Commands that read stdin must see
// /dev/null, or a sudo without a prompt would pass the password on.
func TestPrivilegedDetachesStdin(t *testing.T) {
	for _, cmd := range []string{"cat", "tee /tmp/x", "cd /tmp && cat"} {
		got := Privileged(cmd)
		if !strings.Contains(got, " -k ") {
			t.Errorf("%q: cached credentials not ignored: %s", cmd, got)
		}
		if !strings.HasPrefix(got, "sudo -S -k -p '' sh -c 'exec </dev/null; ") {
			t.Errorf("%q: stdin not detached: %s", cmd, got)
		}
	}
}

func TestCredentialsValidate(t *testing.T) {
	if err := (Credentials{}).Validate(); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if err := (Credentials{User: "u", Host: "h", Port: 70000}).Validate(); err == nil {
		t.Fatal("port above 65535 accepted")
	}
	c := Credentials{User: "root", Host: "10.0.0.2", Port: 22, Password: "hunter2"}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.String() != "root@10.0.0.2:22" {
		t.Fatalf("String() = %s", c.String())
	}
	if c.Addr() != "10.0.0.2:22" {
		t.Fatalf("Addr() = %s", c.Addr())
	}
}

func TestExitStatus(t *testing.T) {
	if code, ok := ExitStatus(nil); !ok || code != 0 {
		t.Fatalf("nil: %d %v", code, ok)
	}
	if _, ok := ExitStatus(errors.New("channel closed")); ok {
		t.Fatal("non exit error reported a status")
	}
}

type statusErr int

func (e statusErr) Error() string   { return "exited" }
func (e statusErr) ExitStatus() int { return int(e) }

func TestExitStatusFromInterface(t *testing.T) {
	code, ok := ExitStatus(fmt.Errorf("wait: %w", statusErr(2)))
	if !ok || code != 2 {
		t.Fatalf("exit = %d %v, want 2", code, ok)
	}
}
