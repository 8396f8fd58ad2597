// Package shellsplit tokenizes a shell-style command line into argv,
// honoring POSIX quoting and escapes.
package shellsplit

import "github.com/mattn/go-shellwords"

// Split tokenizes cmdline the way a POSIX shell would word-split it,
// handling single/double quotes and backslash escapes.
func Split(cmdline string) ([]string, error) {
	return shellwords.Parse(cmdline)
}
