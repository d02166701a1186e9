package remote

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/pkg/sftp"
)

// sftpChannel keeps its own working directory. SFTP has no server side cwd,
// so relative paths are joined against dir locally. Until Chdir succeeds,
// relative paths resolve against the login directory.
type sftpChannel struct {
	client *sftp.Client
	dir    string
}

func (f *sftpChannel) resolve(p string) string {
	return resolvePath(f.dir, p)
}

// resolvePath maps p onto a path the SFTP server understands. Relative paths
// sent to the server resolve against the login directory, so "~" and "~/x"
// become relative paths and everything else relative is joined against dir.
func resolvePath(dir, p string) string {
	switch {
	case p == "~":
		return "."
	case strings.HasPrefix(p, "~/"):
		return p[2:]
	case path.IsAbs(p) || dir == "":
		return p
	}
	return path.Join(dir, p)
}

func (f *sftpChannel) Chdir(dir string) error {
	abs, err := f.client.RealPath(f.resolve(dir))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	fi, err := f.client.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", abs, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", abs)
	}
	f.dir = abs
	return nil
}

func (f *sftpChannel) Getwd() (string, error) {
	if f.dir != "" {
		return f.dir, nil
	}
	return f.client.Getwd()
}

func (f *sftpChannel) Get(p string) (io.ReadCloser, error) {
	file, err := f.client.Open(f.resolve(p))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return file, nil
}

func (f *sftpChannel) Close() error {
	return f.client.Close()
}
