//go:build linux

// Command raptord is the process supervisor daemon: it starts, stops,
// restarts and monitors a configured set of long-running child processes,
// daemonizes itself, and exposes an RPC control plane. See
// bin/pyraptord.py and manager.py for the original CLI this mirrors.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/silverwing-labs/raptord/internal/service"
	"github.com/silverwing-labs/raptord/internal/supervisor"
)

func main() {
	// The exec shim re-exec's this same binary; intercept before any flag
	// parsing so the shim payload (not a CLI flag) is never misread as one.
	if len(os.Args) >= 3 && os.Args[1] == service.ShimArg {
		os.Exit(service.RunExecShim(os.Args[2]))
	}

	fs := flag.NewFlagSet("raptord", flag.ExitOnError)
	configPath := fs.String("config", "pycroraptor.json", "Pycroraptor config file to use")
	foreground := fs.Bool("foreground", false, "Run in foreground (do not daemonize)")
	noFork := fs.Bool("no-fork", false, "Do not detach from the controlling terminal")
	name := fs.String("name", "pyraptord", "Name of the raptord RPC service")
	fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: raptord [--config PATH] [--foreground] [--no-fork] [--name NAME] <start|stop|restart|status>")
		os.Exit(2)
	}

	opts := supervisor.Options{
		ConfigPath: *configPath,
		Name:       *name,
		Foreground: *foreground,
		NoFork:     *noFork,
	}

	var code int
	switch args[0] {
	case "start":
		code = cmdStart(opts)
	case "stop":
		code = cmdStop(opts)
	case "restart":
		code = cmdRestart(opts)
	case "status":
		code = cmdStatus(opts)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		code = 2
	}
	os.Exit(code)
}

func cmdStart(opts supervisor.Options) int {
	sup, err := supervisor.Load(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if pid, _ := supervisor.ReadPID(sup.PIDPath()); pid != 0 {
		fmt.Printf("raptord is already running, pid %d\n", pid)
		return 1
	}

	fmt.Println("starting raptord...")
	return runForegroundOrDetached(sup, opts)
}

func cmdStop(opts supervisor.Options) int {
	sup, err := supervisor.Load(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return stopRunningDaemon(sup.PIDPath())
}

func cmdRestart(opts supervisor.Options) int {
	sup, err := supervisor.Load(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("restarting raptord")
	if code := stopRunningDaemon(sup.PIDPath()); code != 0 {
		return code
	}
	fmt.Println("starting raptord...")
	return runForegroundOrDetached(sup, opts)
}

func cmdStatus(opts supervisor.Options) int {
	sup, err := supervisor.Load(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	pid, err := supervisor.ReadPID(sup.PIDPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if pid == 0 {
		fmt.Println("raptord is stopped")
		return 0
	}
	fmt.Printf("raptord is running, pid %d\n", pid)
	return 0
}

func stopRunningDaemon(pidPath string) int {
	pid, err := supervisor.ReadPID(pidPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if pid == 0 {
		fmt.Println("raptord does not appear to be running")
		return 0
	}

	fmt.Printf("stopping raptord (first attempt, SIGTERM), pid %d...\n", pid)
	if err := supervisor.Signal(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if supervisor.WaitUntilDead(pid, 5*time.Second) {
		fmt.Println("stopped")
		return 0
	}

	fmt.Printf("stopping raptord (second attempt, SIGKILL), pid %d...\n", pid)
	if err := supervisor.Signal(pid, syscall.SIGKILL); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if supervisor.WaitUntilDead(pid, 5*time.Second) {
		fmt.Println("stopped")
		return 0
	}

	fmt.Printf("can't kill running raptord, pid %d\n", pid)
	return 1
}

// runForegroundOrDetached either runs the supervisor directly in this
// process (foreground, or --no-fork, or an already-detached re-exec'd
// child) or re-execs this binary into a new session and returns
// immediately, leaving the child to run detached from the controlling
// terminal — see internal/supervisor/daemonize.go for why a re-exec
// replaces the original's double os.fork().
func runForegroundOrDetached(sup *supervisor.Supervisor, opts supervisor.Options) int {
	if opts.Foreground || opts.NoFork {
		if err := sup.Run(context.Background(), opts.Foreground); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	if supervisor.IsDaemonChild() {
		if err := sup.Run(context.Background(), false); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := supervisor.ReexecDetached(self, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("started")
	return 0
}
