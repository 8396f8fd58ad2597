//go:build linux

package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/silverwing-labs/raptord/internal/logwriter"
)

// daemonChildEnv marks a re-exec'd child as already detached, so it skips
// straight to the in-process daemonizing steps instead of re-exec'ing
// itself again. It is intentionally not part of the documented CLI flag
// surface (spec §6) — it's an implementation detail of how this process
// replaces the original's double-fork with a single Setsid re-exec.
const daemonChildEnv = "RAPTORD_DAEMON_CHILD"

// daemonizeFDs performs the filesystem/fd half of daemonize.py's
// daemonize(): chdir to "/", clear the umask, and point stdin at
// /dev/null and stdout/stderr at the supervisor's own log file (or
// /dev/null if the log file could not be opened). The process-detachment
// half (double-fork + setsid) is handled separately, before this process
// image was even started — see ReexecDetached.
func daemonizeFDs(logFile *logwriter.File) error {
	if err := os.Chdir("/"); err != nil {
		return err
	}
	unix.Umask(0)

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()
	if err := unix.Dup2(int(devNull.Fd()), 0); err != nil {
		return err
	}

	out := devNull
	if logFile != nil {
		f, err := os.OpenFile(logFile.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			defer f.Close()
			out = f
		}
	}
	if err := unix.Dup2(int(out.Fd()), 1); err != nil {
		return err
	}
	if err := unix.Dup2(int(out.Fd()), 2); err != nil {
		return err
	}
	return nil
}

// ReexecDetached re-execs the running binary with the same arguments in a
// new session (Setsid), then returns immediately without waiting — this is
// the Go-safe replacement for daemonize.py's double os.fork()+os.setsid():
// Go's runtime cannot fork without also exec'ing (a raw fork leaves every
// other goroutine's state behind in the child), so detaching from the
// controlling terminal is done by handing the work to a fresh process
// instead of a forked copy of this one. The child inherits
// RAPTORD_DAEMON_CHILD=1 so it knows to skip this step and run the
// supervisor directly.
func ReexecDetached(selfExe string, args []string) (pid int, err error) {
	cmd := exec.Command(selfExe, args...)
	cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

// IsDaemonChild reports whether this process is the re-exec'd child
// started by ReexecDetached.
func IsDaemonChild() bool {
	return os.Getenv(daemonChildEnv) == "1"
}
