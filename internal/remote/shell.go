package remote

import "strings"

// Quote wraps s in POSIX single quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// QuoteDir quotes a cd target while keeping a leading "~" unquoted so the
// remote shell still expands it.
func QuoteDir(dir string) string {
	switch {
	case dir == "~":
		return dir
	case strings.HasPrefix(dir, "~/"):
		return "~/" + Quote(dir[2:])
	default:
		return Quote(dir)
	}
}

// InDir prefixes command with a cd into dir. An empty dir leaves the command
// in the remote login directory.
func InDir(dir, command string) string {
	if dir == "" {
		return command
	}
	return "cd " + QuoteDir(dir) + " && " + command
}

// ResolveDir builds a command that prints the absolute path of target as seen
// from base.
func ResolveDir(base, target string) string {
	return InDir(base, "cd "+QuoteDir(target)+" && pwd")
}

// Privileged wraps command for sudo with the password read from stdin and
// the prompt suppressed. Cached sudo credentials are ignored (-k) so the
// password line is always consumed by sudo, and the command's own stdin is
// /dev/null so it cannot read the password when sudo does not prompt
// (NOPASSWD rules).
func Privileged(command string) string {
	return "sudo -S -k -p '' sh -c " + Quote("exec </dev/null; "+command)
}
