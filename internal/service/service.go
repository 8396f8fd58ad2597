//go:build linux

// Package service implements the per-service state machine: spawn,
// stream wire-up, stop, reap, and restart. One Service owns at most one
// live child process at a time; historical state is overwritten on every
// start.
package service

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/silverwing-labs/raptord/internal/fdtracker"
	"github.com/silverwing-labs/raptord/internal/lineparser"
	"github.com/silverwing-labs/raptord/internal/logwriter"
	"github.com/silverwing-labs/raptord/internal/pubsub"
	"github.com/silverwing-labs/raptord/internal/streampump"
	"github.com/silverwing-labs/raptord/pkg/shellsplit"
)

// State is one of the seven legal service states.
type State string

const (
	NotStarted State = "notStarted"
	Starting   State = "starting"
	Running    State = "running"
	Stopping   State = "stopping"
	Success    State = "success"
	Aborted    State = "aborted"
	Failed     State = "failed"
)

// ProcStatus classifies how the last child exited (meaningless while
// NotStarted).
type ProcStatus string

const (
	ProcRunning ProcStatus = "running"
	CleanExit   ProcStatus = "cleanExit"
	SignalExit  ProcStatus = "signalExit"
	ErrorExit   ProcStatus = "errorExit"
)

// Startable reports whether state accepts a Start call.
func Startable(s State) bool {
	return s == NotStarted || s == Success || s == Aborted || s == Failed
}

// Active reports whether state accepts Stop/Stdin calls.
func Active(s State) bool {
	return s == Starting || s == Running || s == Stopping
}

// Status is an immutable snapshot of a service, safe to copy and
// serialize for an RPC reply.
type Status struct {
	State          State
	ProcStatus     ProcStatus
	PID            int
	ReturnValue    int
	HasReturnValue bool
	SigNum         int
	SigName        string
	StartupFailed  bool
}

var (
	// ErrAlreadyActive is returned by Start when the service is not startable.
	ErrAlreadyActive = errors.New("service: already active")
	// ErrNotActive is returned by Stop/Stdin when the service is not active.
	ErrNotActive = errors.New("service: not active")
)

// EnvVar is one environment override. Unset marks an explicit JSON null
// in the config, meaning the variable is removed from the inherited
// environment rather than set to a value.
type EnvVar struct {
	Value string
	Unset bool
}

// Config is everything Start needs, resolved fresh on every call (see
// DESIGN.md's Open Question decision: pending-restart uses the config
// live at restart time, not the one captured at the original start).
type Config struct {
	Command     string
	Cwd         string
	Env         map[string]EnvVar
	StdinPath   string
	StdoutPath  string
	LogTemplate string
	LogDisabled bool
}

// ConfigFunc resolves a service's current configuration. Returning an
// error fails the pending start the same way a bad command line would.
type ConfigFunc func() (Config, error)

// Deps are the shared infrastructure a Service needs; one instance is
// shared by every service under a supervisor.
type Deps struct {
	LogDir       string
	Tracker      *fdtracker.Tracker
	Router       *pubsub.Router
	Logger       *zap.Logger
	SelfExe      string // path to this binary, used to re-exec the shim
	GraceTimeout time.Duration
}

// Service is the per-service state machine. The zero value is not
// usable; construct with New.
type Service struct {
	name    string
	deps    Deps
	cfgFunc ConfigFunc

	mu             sync.Mutex
	state          State
	status         Status
	pendingRestart bool

	cmd          *exec.Cmd
	usedShim     bool
	pid          int
	childStdin   io.WriteCloser
	stdoutMaster *os.File
	stderrMaster *os.File
	outPump      *streampump.Pump
	errPump      *streampump.Pump
	logFile      *logwriter.File

	stopOnce *sync.Once
	waitDone chan struct{}
	waitErr  error
}

// New returns a Service named name, in state NotStarted.
func New(name string, deps Deps, cfgFunc ConfigFunc) *Service {
	if deps.GraceTimeout <= 0 {
		deps.GraceTimeout = 5 * time.Second
	}
	return &Service{
		name:    name,
		deps:    deps,
		cfgFunc: cfgFunc,
		state:   NotStarted,
		status:  Status{State: NotStarted},
	}
}

// Name returns the service's configured name.
func (s *Service) Name() string { return s.name }

// Status returns a point-in-time snapshot.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start spawns the child if the service is in a startable state. A
// returned nil error means the service transitioned to Running or to
// Failed (startup failure is reported via Status, not as an error — see
// spec §7: "RPC call returns normally").
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !Startable(s.state) {
		return ErrAlreadyActive
	}
	s.startLocked()
	return nil
}

// Stop requests termination of an active service. Calling Stop again
// while already Stopping is a no-op: exactly one SIGTERM and at most one
// SIGKILL are sent per stop cycle.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !Active(s.state) {
		return ErrNotActive
	}
	if s.state == Stopping {
		return nil
	}
	s.stopLocked()
	return nil
}

// Restart stops an active service and marks it for restart once reaped,
// or starts an inactive one directly.
func (s *Service) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if Active(s.state) {
		s.pendingRestart = true
		if s.state == Stopping {
			return nil
		}
		s.stopLocked()
		return nil
	}
	s.startLocked()
	return nil
}

// Stdin writes text to the child's stdin, if the parent owns that end,
// and logs it under stream tag "inp".
func (s *Service) Stdin(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !Active(s.state) {
		return ErrNotActive
	}
	if s.childStdin == nil {
		return nil
	}
	if _, err := io.WriteString(s.childStdin, text); err != nil {
		return err
	}
	s.publishLineLocked("inp", lineparser.Newline, strings.TrimRight(text, "\n"))
	return nil
}

// TryReap non-blockingly checks whether this service's child has exited
// and, if so, applies the exit classification, writes the event-log
// entry, runs post-exit cleanup, and honors a pending restart. Called by
// the supervisor's reaper tick; returns whether a reap actually happened.
func (s *Service) TryReap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running && s.state != Stopping {
		return false
	}
	if s.waitDone == nil {
		return false
	}
	select {
	case <-s.waitDone:
	default:
		return false
	}
	s.reapLocked()
	return true
}

func (s *Service) startLocked() {
	s.state = Starting
	s.status = Status{State: Starting}

	cfg, err := s.cfgFunc()
	if err != nil {
		s.failStartupLocked(fmt.Sprintf("resolving config: %v", err))
		return
	}
	argv, err := shellsplit.Split(cfg.Command)
	if err != nil || len(argv) == 0 {
		s.failStartupLocked(fmt.Sprintf("tokenizing command %q: %v", cfg.Command, err))
		return
	}
	env := buildEnv(cfg.Env)

	logFile, logErr := s.openLog(cfg)
	if logErr != nil {
		s.deps.Logger.Warn("service log open failed", zap.String("service", s.name), zap.Error(logErr))
	}

	errMaster, errSlave, err := s.deps.Tracker.OpenPTY(s.name + ".err")
	if err != nil {
		logFile.Close()
		s.failStartupLocked(fmt.Sprintf("allocating stderr pty: %v", err))
		return
	}

	usedShim := cfg.StdinPath != "" || cfg.StdoutPath != ""

	var cmd *exec.Cmd
	var stdoutMaster, stdoutSlave *os.File
	var childStdin io.WriteCloser

	if usedShim {
		req := shimRequest{Argv: argv, Env: env, Cwd: cfg.Cwd, StdinPath: cfg.StdinPath, StdoutPath: cfg.StdoutPath}
		payload, encErr := req.encode()
		if encErr != nil {
			s.deps.Tracker.Close(errMaster)
			s.deps.Tracker.Close(errSlave)
			logFile.Close()
			s.failStartupLocked(fmt.Sprintf("encoding shim request: %v", encErr))
			return
		}
		cmd = exec.Command(s.deps.SelfExe, ShimArg, payload)
		cmd.Stderr = errSlave

		if cfg.StdinPath == "" {
			stdin, serr := cmd.StdinPipe()
			if serr != nil {
				s.deps.Tracker.Close(errMaster)
				s.deps.Tracker.Close(errSlave)
				logFile.Close()
				s.failStartupLocked(fmt.Sprintf("allocating stdin pipe: %v", serr))
				return
			}
			childStdin = stdin
		}
	} else {
		cmd = exec.Command(argv[0], argv[1:]...)
		cmd.Env = env
		cmd.Dir = cfg.Cwd
		cmd.Stderr = errSlave

		stdin, serr := cmd.StdinPipe()
		if serr != nil {
			s.deps.Tracker.Close(errMaster)
			s.deps.Tracker.Close(errSlave)
			logFile.Close()
			s.failStartupLocked(fmt.Sprintf("allocating stdin pipe: %v", serr))
			return
		}
		childStdin = stdin

		var operr error
		stdoutMaster, stdoutSlave, operr = s.deps.Tracker.OpenPTY(s.name + ".out")
		if operr != nil {
			s.deps.Tracker.Close(errMaster)
			s.deps.Tracker.Close(errSlave)
			logFile.Close()
			s.failStartupLocked(fmt.Sprintf("allocating stdout pty: %v", operr))
			return
		}
		cmd.Stdout = stdoutSlave
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		s.deps.Tracker.Close(errMaster)
		s.deps.Tracker.Close(errSlave)
		if stdoutMaster != nil {
			s.deps.Tracker.Close(stdoutMaster)
		}
		if stdoutSlave != nil {
			s.deps.Tracker.Close(stdoutSlave)
		}
		logFile.Close()
		s.failStartupLocked(startupFailureReason(err, argv[0]))
		return
	}
	s.deps.Tracker.Close(errSlave)
	if stdoutSlave != nil {
		s.deps.Tracker.Close(stdoutSlave)
	}

	pid := cmd.Process.Pid
	s.cmd = cmd
	s.usedShim = usedShim
	s.pid = pid
	s.childStdin = childStdin
	s.stdoutMaster = stdoutMaster
	s.stderrMaster = errMaster
	s.logFile = logFile
	s.waitDone = make(chan struct{})
	s.stopOnce = &sync.Once{}
	s.state = Running
	s.status = Status{State: Running, ProcStatus: ProcRunning, PID: pid}

	s.logEventLocked(fmt.Sprintf("started pid=%d", pid))

	name := s.name
	router := s.deps.Router
	logger := s.deps.Logger
	if stdoutMaster != nil {
		sink := sinkFor(logFile, router, logger, name, "out")
		s.outPump = streampump.New(stdoutMaster, 0, sink)
	}
	errSink := sinkFor(logFile, router, logger, name, "err")
	s.errPump = streampump.New(errMaster, 0, errSink)

	go s.waitForExit()
}

// sinkFor builds a streampump.Sink that writes to logFile (captured once,
// fixed for the lifetime of this run, so the pump callback never reads
// mutable Service fields or takes the Service mutex) and publishes to the
// topic router.
func sinkFor(logFile *logwriter.File, router *pubsub.Router, logger *zap.Logger, name, tag string) streampump.Sink {
	topic := fmt.Sprintf("service.%s.%s", name, tag)
	return func(class lineparser.Class, text string) {
		if logFile != nil {
			if err := logFile.WriteLine(name, logwriter.Class(class), text); err != nil {
				logger.Warn("service log write failed", zap.String("service", name), zap.Error(err))
			}
		}
		router.Publish(topic, text)
	}
}

func (s *Service) failStartupLocked(reason string) {
	s.state = Failed
	s.status = Status{
		State:          Failed,
		ProcStatus:     ErrorExit,
		ReturnValue:    1,
		HasReturnValue: true,
		StartupFailed:  true,
	}
	s.deps.Logger.Warn("service startup failed", zap.String("service", s.name), zap.String("reason", reason))
	s.logEventLocked(fmt.Sprintf("startup failed: %s", reason))
}

func startupFailureReason(err error, argv0 string) string {
	var pe *fs.PathError
	if errors.Is(err, exec.ErrNotFound) || (errors.As(err, &pe) && os.IsNotExist(pe.Err)) {
		return fmt.Sprintf("executable %q not found on PATH", argv0)
	}
	return err.Error()
}

func (s *Service) waitForExit() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.waitErr = err
	close(s.waitDone)
	s.mu.Unlock()
}

func (s *Service) stopLocked() {
	s.state = Stopping
	s.status.State = Stopping
	pid := s.pid
	once := s.stopOnce
	done := s.waitDone
	graceTimeout := s.deps.GraceTimeout
	logger := s.deps.Logger
	name := s.name

	s.logEventLocked(fmt.Sprintf("stopping pid=%d", pid))

	once.Do(func() {
		go graceKill(pid, done, graceTimeout, logger, name)
	})
}

func graceKill(pid int, done <-chan struct{}, graceTimeout time.Duration, logger *zap.Logger, name string) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		logger.Warn("SIGTERM failed", zap.String("service", name), zap.Int("pid", pid), zap.Error(err))
	}
	timer := time.NewTimer(graceTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			logger.Warn("SIGKILL failed", zap.String("service", name), zap.Int("pid", pid), zap.Error(err))
		}
	}
}

func (s *Service) reapLocked() {
	procStatus, state, rv, hasRV, sigNum, sigName, startupFailed := classifyExit(s.waitErr, s.usedShim)
	pid := s.pid
	s.state = state
	s.status = Status{
		State:          state,
		ProcStatus:     procStatus,
		PID:            pid,
		ReturnValue:    rv,
		HasReturnValue: hasRV,
		SigNum:         sigNum,
		SigName:        sigName,
		StartupFailed:  startupFailed,
	}
	s.logEventLocked(fmt.Sprintf("exited pid=%d procStatus=%s", pid, procStatus))
	s.cleanupLocked()
	if s.pendingRestart {
		s.pendingRestart = false
		s.startLocked()
	}
}

func (s *Service) cleanupLocked() {
	if s.childStdin != nil {
		_ = s.childStdin.Close()
		s.childStdin = nil
	}
	if s.outPump != nil {
		s.outPump.Stop()
		s.outPump = nil
	}
	if s.errPump != nil {
		s.errPump.Stop()
		s.errPump = nil
	}
	if s.stdoutMaster != nil {
		s.deps.Tracker.Close(s.stdoutMaster)
		s.stdoutMaster = nil
	}
	if s.stderrMaster != nil {
		s.deps.Tracker.Close(s.stderrMaster)
		s.stderrMaster = nil
	}
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
	s.cmd = nil
	s.waitDone = nil
	s.waitErr = nil
}

func classifyExit(err error, usedShim bool) (procStatus ProcStatus, state State, returnValue int, hasReturnValue bool, sigNum int, sigName string, startupFailed bool) {
	if err == nil {
		return CleanExit, Success, 0, true, 0, "", false
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal()
			name := unix.SignalName(sig)
			if name == "" {
				name = sig.String()
			}
			st := Failed
			if sig == syscall.SIGHUP || sig == syscall.SIGINT || sig == syscall.SIGTERM {
				st = Aborted
			}
			return SignalExit, st, 0, false, int(sig), name, false
		}
		code := ee.ExitCode()
		if code == 0 {
			return CleanExit, Success, 0, true, 0, "", false
		}
		// A shim exiting 127 means the real command could not be exec'd
		// (see exec_shim.go): flag it as a startup failure, as a synchronous
		// ENOENT from the non-shim path is; the return value stays 127.
		return ErrorExit, Failed, code, true, 0, "", usedShim && code == 127
	}
	return ErrorExit, Failed, 1, true, 0, "", false
}

func (s *Service) logEventLocked(text string) {
	s.publishLineLocked("evt", lineparser.Newline, text)
}

func (s *Service) publishLineLocked(tag string, class lineparser.Class, text string) {
	if s.logFile != nil {
		if err := s.logFile.WriteLine(s.name, logwriter.Class(class), text); err != nil {
			s.deps.Logger.Warn("service log write failed", zap.String("service", s.name), zap.Error(err))
		}
	}
	s.deps.Router.Publish(fmt.Sprintf("service.%s.%s", s.name, tag), text)
}

func (s *Service) openLog(cfg Config) (*logwriter.File, error) {
	if cfg.LogDisabled {
		return nil, nil
	}
	tmpl := cfg.LogTemplate
	if tmpl == "" {
		tmpl = "${name}_${unique}.txt"
	}
	return logwriter.Open(filepath.Join(s.deps.LogDir, tmpl), map[string]string{"name": s.name})
}

// buildEnv computes (inherited env) ⊕ (overrides, with explicit unset
// entries removed), preserving first-seen key order.
func buildEnv(overrides map[string]EnvVar) []string {
	merged := make(map[string]string)
	order := make([]string, 0, len(overrides)+32)

	addKey := func(k string) {
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
	}

	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k, v := kv[:i], kv[i+1:]
			addKey(k)
			merged[k] = v
		}
	}
	for k, v := range overrides {
		if v.Unset {
			delete(merged, k)
			continue
		}
		addKey(k)
		merged[k] = v.Value
	}

	out := make([]string, 0, len(order))
	for _, k := range order {
		if v, ok := merged[k]; ok {
			out = append(out, k+"="+v)
		}
	}
	return out
}
