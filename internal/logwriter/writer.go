// Package logwriter implements the supervisor's on-disk log file format:
// timestamped, append-only, one line per record, with "_latest"/"_previous"
// symlinks maintained next to a uniquely-named file on every (re)open.
package logwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// uniqueTokenRegexp matches the "${unique}" placeholder in a filename
// template (the bare "$unique" form is also accepted, matching the
// reference implementation).
var uniqueTokenRegexp = regexp.MustCompile(`\$\{unique\}|\$unique\b`)

// fieldRegexp matches "${name}"-style named substitutions.
var fieldRegexp = regexp.MustCompile(`\$\{(\w+)\}|\$(\w+)\b`)

// Class is the single-character line-termination tag written to disk.
type Class byte

const (
	ClassNewline   Class = 'n'
	ClassCR        Class = 'r'
	ClassContinued Class = 'c'
)

// File is an open, append-mode log file that formats and autoflushes
// every line written to it.
type File struct {
	path string
	f    *os.File
}

// Path returns the on-disk path this File was opened at.
func (lf *File) Path() string { return lf.path }

// WriteLine formats one record as "<ISO8601-UTC> <name> <class> <text>\n"
// and flushes immediately.
func (lf *File) WriteLine(name string, class Class, text string) error {
	line := fmt.Sprintf("%s %s %c %s\n", nowUTC(), name, byte(class), text)
	if _, err := lf.f.WriteString(line); err != nil {
		return err
	}
	return lf.f.Sync()
}

// Close closes the underlying file.
func (lf *File) Close() error {
	if lf == nil || lf.f == nil {
		return nil
	}
	return lf.f.Close()
}

var nowUTC = func() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// UniqueToken returns the "${unique}" expansion for the current instant:
// YYYY-MM-DD-HHMMSS-uuuuuu-UTC.
func UniqueToken(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%06d-UTC", t.Format("2006-01-02-150405"), t.Nanosecond()/1000)
}

func expand(tmpl string, vars map[string]string) string {
	return fieldRegexp.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := strings.Trim(m, "${}")
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

func substituteUnique(tmpl, token string) string {
	return uniqueTokenRegexp.ReplaceAllString(tmpl, token)
}

// forceSymlink makes target point at src, overwriting target only if it is
// already a symlink (or absent). A real file occupying target's path is a
// fatal misconfiguration — the writer must never clobber user data.
func forceSymlink(src, target string) error {
	if fi, err := os.Lstat(target); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("logwriter: %s exists and is not a symlink, refusing to overwrite", target)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	// Create the new link under a temporary name and rename it over target,
	// so target is replaced in one step and never goes missing in between.
	tmp := fmt.Sprintf("%s.%d.tmp", target, time.Now().UnixNano())
	if err := os.Symlink(src, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Open resolves template (which may contain "${unique}" and named
// variables from vars), creates the parent directory, opens the file in
// append mode, and atomically updates the "_latest"/"_previous" sibling
// symlinks. The template's directory component is honored as given
// (callers join a log directory onto the filename template before calling
// Open).
func Open(template string, vars map[string]string) (*File, error) {
	token := UniqueToken(time.Now())
	path := expand(substituteUnique(template, token), vars)

	latestLink := expand(substituteUnique(template, "latest"), vars)
	previousLink := expand(substituteUnique(template, "previous"), vars)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logwriter: mkdir %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logwriter: open %s: %w", path, err)
	}

	// If a "_latest" symlink already exists, its current target becomes
	// "_previous" before we repoint "_latest" at the new file.
	if prevTarget, err := os.Readlink(latestLink); err == nil {
		if err := forceSymlink(prevTarget, previousLink); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := forceSymlink(filepath.Base(path), latestLink); err != nil {
		f.Close()
		return nil, err
	}

	return &File{path: path, f: f}, nil
}
