// Package keys generates the SSH key pairs sessions use to log in without a
// password.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Pair is a generated key pair on disk.
type Pair struct {
	PrivatePath   string
	PublicPath    string
	AuthorizedKey []byte // one authorized_keys line, newline terminated
	Fingerprint   string
}

// Generator writes key pairs into Dir.
type Generator struct {
	Dir     string
	Comment string // defaults to LocalComment()
}

// NewGenerator returns a Generator writing to dir.
func NewGenerator(dir string) *Generator {
	return &Generator{Dir: dir}
}

// FileName is the private key file name for a remote account. owner, when
// set, keeps pairs of different chat sessions on the same account apart.
func FileName(owner, remoteUser, remoteHost string) string {
	name := "id_ed25519_" + sanitize(remoteUser) + "_" + sanitize(remoteHost)
	if owner != "" {
		name += "_" + sanitize(owner)
	}
	return name
}

// LocalComment is "<local user>@<local host>", the comment put on public keys.
func LocalComment() string {
	name := "shellchat"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return name + "@" + host
}

// Generate creates a new ed25519 key pair for remoteUser@remoteHost,
// replacing any previous pair the same owner made for that account.
func (g *Generator) Generate(owner, remoteUser, remoteHost string) (*Pair, error) {
	if remoteUser == "" || remoteHost == "" {
		return nil, fmt.Errorf("remote user and host are required")
	}
	comment := g.Comment
	if comment == "" {
		comment = LocalComment()
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	line := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPub)), "\n") + " " + comment + "\n"

	if err := os.MkdirAll(g.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	privPath := filepath.Join(g.Dir, FileName(owner, remoteUser, remoteHost))
	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	pubPath := privPath + ".pub"
	if err := os.WriteFile(pubPath, []byte(line), 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return &Pair{
		PrivatePath:   privPath,
		PublicPath:    pubPath,
		AuthorizedKey: []byte(line),
		Fingerprint:   ssh.FingerprintSHA256(sshPub),
	}, nil
}

// InstallCommand returns a shell command that appends authorizedKey to the
// remote account's authorized_keys.
func InstallCommand(authorizedKey []byte) string {
	line := strings.TrimSpace(string(authorizedKey))
	return "mkdir -p ~/.ssh && chmod 700 ~/.ssh && " +
		"echo " + quote(line) + " >> ~/.ssh/authorized_keys && " +
		"chmod 600 ~/.ssh/authorized_keys"
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, s)
}
