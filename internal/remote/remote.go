// Package remote is the connection adapter the chat sessions use to reach a
// remote machine: command execution and file transfer over SSH.
//
// Every task opens its own Client. Nothing is shared between tasks, so one
// task's failure or cancellation cannot disturb another task's channel.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// ErrNoCredentials means the connection identity (user, host, port) is unset.
var ErrNoCredentials = errors.New("connection info is not set, use /conn <user>@<host>:<port>")

// Credentials identify a remote account. Password and KeyPath are optional.
type Credentials struct {
	User     string
	Host     string
	Port     int
	Password string
	KeyPath  string
}

// Validate checks that the connection identity is complete.
func (c Credentials) Validate() error {
	if c.User == "" || c.Host == "" || c.Port <= 0 {
		return ErrNoCredentials
	}
	if c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Addr returns host:port.
func (c Credentials) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String renders user@host:port. It never includes secrets.
func (c Credentials) String() string {
	return fmt.Sprintf("%s@%s:%d", c.User, c.Host, c.Port)
}

// Connector opens a Client for a set of credentials.
type Connector interface {
	Connect(ctx context.Context, creds Credentials) (Client, error)
}

// Client is one authenticated connection to a remote machine.
type Client interface {
	// Execute runs command in a fresh exec channel.
	Execute(ctx context.Context, command string) (Stream, error)
	// ExecutePrivileged runs command under sudo, answering the password
	// prompt from stdin.
	ExecutePrivileged(ctx context.Context, command, password string) (Stream, error)
	// OpenFileChannel opens a file transfer channel.
	OpenFileChannel(ctx context.Context) (FileChannel, error)
	Close() error
}

// Stream is the combined stdout and stderr of a running command.
type Stream interface {
	io.Reader
	// Wait blocks until the command exits and returns its exit error.
	Wait() error
	// Close tears the channel down. Pending reads return an error.
	Close() error
}

// FileChannel is a file transfer channel with its own working directory.
type FileChannel interface {
	Chdir(dir string) error
	Getwd() (string, error)
	Get(path string) (io.ReadCloser, error)
	Close() error
}
