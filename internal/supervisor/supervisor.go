//go:build linux

// Package supervisor wires the Service state machine, the Log Writer, the
// Topic Router and the FD Tracker into the daemon described by
// manager.py: startup-group sequencing, a 100ms reaper loop, signal-driven
// orderly quit, and an RPC surface for operators.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/silverwing-labs/raptord/internal/fdtracker"
	"github.com/silverwing-labs/raptord/internal/lineparser"
	"github.com/silverwing-labs/raptord/internal/logwriter"
	"github.com/silverwing-labs/raptord/internal/pubsub"
	"github.com/silverwing-labs/raptord/internal/raptorconfig"
	"github.com/silverwing-labs/raptord/internal/rtlog"
	"github.com/silverwing-labs/raptord/internal/service"
	"github.com/silverwing-labs/raptord/pkg/fmtt"
)

// supervisorEventTopic is the fixed topic name for the supervisor's own
// event narration, distinct from the per-service "service.<name>.evt"
// topics (see spec's Topics list).
const supervisorEventTopic = "pyraptord.evt"

// reaperInterval matches manager.py's gevent.sleep(0.1) cleanup cadence.
const reaperInterval = 100 * time.Millisecond

// Options are the CLI-resolved daemon settings.
type Options struct {
	ConfigPath string
	Name       string
	Foreground bool
	NoFork     bool
}

// Supervisor owns the service map, the pub/sub bus, and the RPC surface.
type Supervisor struct {
	opts Options
	name string

	mu         sync.RWMutex
	config     *raptorconfig.Tree
	configPath string
	logDir     string
	logFile    string
	pidFile    string
	rpcPort    int

	tracker *fdtracker.Tracker
	router  *pubsub.Router
	zlog    *zap.Logger
	svcLog  *logwriter.File
	selfExe string

	services map[string]*service.Service
	order    []string

	quitting      bool
	shutdownCmd   []string
	preQuitHook   func()
	postQuitHook  func()
	quitRequested    chan struct{}
	quitOnce         sync.Once
	quitCompleteOnce sync.Once
}

// Load reads the config and ports files named in opts without starting
// anything, so callers (the CLI's start/stop/status verbs) can resolve the
// PID file path before deciding whether to daemonize.
func Load(opts Options) (*Supervisor, error) {
	tree, err := loadConfigFile(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	selfExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving self executable: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = "pyraptord"
	}

	sup := &Supervisor{
		opts:          opts,
		name:          name,
		config:        tree,
		configPath:    opts.ConfigPath,
		logDir:        stringField(tree, "LOG_DIR", defaultLogDir),
		logFile:       stringField(tree, "LOG_FILE", defaultLogFile),
		pidFile:       stringField(tree, "PID_FILE", defaultPIDFile),
		tracker:       fdtracker.New(),
		router:        pubsub.New(),
		selfExe:       selfExe,
		services:      make(map[string]*service.Service),
		quitRequested: make(chan struct{}),
	}
	return sup, nil
}

// PIDPath returns the resolved <LOG_DIR>/<PID_FILE> path.
func (s *Supervisor) PIDPath() string {
	return pidFilePath(s.logDir, s.pidFile)
}

// Run performs the full startup sequence (per manager.py's _start +
// bin/pyraptord.py's startInternal) and blocks until a quit is completed.
// foreground controls whether the daemonizing filesystem/fd steps run and
// whether the event logger also mirrors to stderr; the caller (cmd/raptord)
// is responsible for deciding whether to run this in-process or after a
// Setsid re-exec.
func (s *Supervisor) Run(ctx context.Context, foreground bool) error {
	zlog, err := rtlog.New(foreground)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	s.zlog = zlog
	defer s.zlog.Sync()

	evtFmt := s.logFile
	if evtFmt == "" {
		evtFmt = defaultLogFile
	}
	logFile, err := logwriter.Open(filepath.Join(s.logDir, evtFmt), map[string]string{"name": s.name})
	if err != nil {
		s.zlog.Warn("could not open supervisor log file", zap.Error(err))
	}
	s.svcLog = logFile

	ports, err := loadPorts(stringField(s.config, "PORTS", ""))
	if err != nil {
		return fmt.Errorf("loading ports config: %w", err)
	}
	entry, ok := ports[s.name]
	if !ok {
		return fmt.Errorf("no ports entry for %q", s.name)
	}
	s.rpcPort = entry.RPC

	if !foreground {
		if err := daemonizeFDs(s.svcLog); err != nil {
			return fmt.Errorf("daemonizing: %w", err)
		}
	}

	if err := writePID(s.PIDPath()); err != nil {
		s.logEvent(fmt.Sprintf("could not write pid file: %v", err))
	}

	s.installSignalHandlers()

	if names := startupGroup(s.config); names != nil {
		s.logEvent(fmt.Sprintf("startup group: %v", names))
		for _, name := range names {
			if err := s.start(name); err != nil {
				s.logEvent(fmt.Sprintf("startup group: %s: %v", name, err))
			}
		}
	} else {
		s.logEvent("no group named \"startup\"")
	}

	go s.reaperLoop(ctx)
	go s.watchConfig(ctx)

	srv := s.newHTTPServer()
	serveErr := make(chan error, 1)
	go func() {
		s.zlog.Info("listening", zap.Int("port", s.rpcPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-s.quitRequested:
	case err := <-serveErr:
		if err != nil {
			s.zlog.Error("http server failed", zap.Error(err))
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	removePIDIfExists(s.PIDPath())
	return nil
}

// start is the RPC-facing "start svcName" handler, grounded on
// manager.py's Manager.start/_getService.
func (s *Supervisor) start(name string) error {
	svc, err := s.getOrCreateService(name)
	if err != nil {
		return err
	}
	return svc.Start()
}

func (s *Supervisor) getOrCreateService(name string) (*service.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.config.Get("SERVICES." + name); err != nil {
		return nil, errUnknownService(name)
	}
	svc, ok := s.services[name]
	if !ok {
		deps := service.Deps{
			LogDir:  s.logDir,
			Tracker: s.tracker,
			Router:  s.router,
			Logger:  s.zlog,
			SelfExe: s.selfExe,
		}
		svc = service.New(name, deps, serviceConfigFunc(s, name))
		s.services[name] = svc
		s.order = append(s.order, name)
	}
	return svc, nil
}

func (s *Supervisor) lookupService(name string) (*service.Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[name]
	return svc, ok
}

func (s *Supervisor) snapshotServices() []*service.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*service.Service, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.services[name])
	}
	return out
}

// reaperLoop non-blockingly polls every known service for exit, matching
// manager.py's _cleanupChildren.
func (s *Supervisor) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quitRequested:
			return
		case <-ticker.C:
			for _, svc := range s.snapshotServices() {
				svc.TryReap()
			}
			s.checkForQuitComplete()
		}
	}
}

func (s *Supervisor) installSignalHandlers() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range ch {
			s.logEvent(fmt.Sprintf("caught signal %v, shutting down", sig))
			s.requestQuit()
		}
	}()
}

// requestQuit begins the orderly shutdown sequence exactly once, matching
// manager.py's quit()/_quitInternal split (a brief delay lets an in-flight
// RPC reply go out before services start receiving SIGTERM).
func (s *Supervisor) requestQuit() {
	s.quitOnce.Do(func() {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.zlog.Error("panic during shutdown, hard exit", zap.Any("recover", r))
					fmtt.PrintErrChainDebug(fmt.Errorf("shutdown panic: %v", r))
					os.Exit(1)
				}
			}()
			time.Sleep(50 * time.Millisecond)

			s.mu.Lock()
			s.quitting = true
			preQuit := s.preQuitHook
			s.mu.Unlock()
			if preQuit != nil {
				preQuit()
			}

			g := new(errgroup.Group)
			for _, svc := range s.snapshotServices() {
				svc := svc
				if service.Active(svc.Status().State) {
					g.Go(func() error {
						s.logEvent(fmt.Sprintf("stopping %s", svc.Name()))
						return svc.Stop()
					})
				}
			}
			if err := g.Wait(); err != nil {
				s.zlog.Warn("error stopping services", zap.Error(err))
			}
			s.checkForQuitComplete()
		}()
	})
}

func (s *Supervisor) activeServiceCount() int {
	n := 0
	for _, svc := range s.snapshotServices() {
		if service.Active(svc.Status().State) {
			n++
		}
	}
	return n
}

// checkForQuitComplete finalizes shutdown once quitting and every service
// has reaped, matching manager.py's _checkForQuitComplete. It is called
// both by the reaper tick and by requestQuit's goroutine, so the actual
// finalization (closing quitRequested) is guarded by quitCompleteOnce
// rather than by the activeServiceCount()==0 check alone, which the two
// callers could pass concurrently.
func (s *Supervisor) checkForQuitComplete() {
	s.mu.RLock()
	quitting := s.quitting
	s.mu.RUnlock()
	if !quitting || s.activeServiceCount() > 0 {
		return
	}

	s.quitCompleteOnce.Do(func() {
		s.logEvent("all services stopped")
		s.mu.RLock()
		post := s.postQuitHook
		shutdownCmd := s.shutdownCmd
		s.mu.RUnlock()
		if post != nil {
			post()
		}
		s.router.CloseAll()

		if len(shutdownCmd) > 0 {
			s.logEvent(fmt.Sprintf("issuing system shutdown command: %v", shutdownCmd))
			cmd := exec.Command(shutdownCmd[0], shutdownCmd[1:]...)
			if err := cmd.Run(); err != nil {
				s.zlog.Warn("shutdown command failed", zap.Error(err))
			}
		} else {
			s.logEvent("terminating raptord process")
		}

		close(s.quitRequested)
	})
}

func (s *Supervisor) logEvent(text string) {
	if s.zlog != nil {
		s.zlog.Info(text)
	}
	if s.svcLog != nil {
		_ = s.svcLog.WriteLine(s.name, logwriter.Class(lineparser.Newline), text)
	}
	s.router.Publish(supervisorEventTopic, text)
}
