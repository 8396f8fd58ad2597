//go:build linux

package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/silverwing-labs/raptord/internal/service"
)

// freePort binds an ephemeral loopback port, closes the listener, and
// returns the port number, so the RPC server in the test can be told a
// concrete port ahead of time instead of discovering one after Listen.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// newTestSupervisor writes a config + ports file under a temp dir and
// loads a Supervisor from them, matching the shape manager.py expects:
// PORTS pointing at a ports document, SERVICES holding per-service
// command/cwd/etc, and an optional GROUPS.startup list.
func newTestSupervisor(t *testing.T, name string, services map[string]string, startup []string) (*Supervisor, int) {
	t.Helper()
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	if err := os.Mkdir(logDir, 0o755); err != nil {
		t.Fatal(err)
	}

	port := freePort(t)
	portsPath := filepath.Join(dir, "ports.json")
	portsDoc := map[string]map[string]int{name: {"rpc": port}}
	portsRaw, _ := json.Marshal(portsDoc)
	if err := os.WriteFile(portsPath, portsRaw, 0o644); err != nil {
		t.Fatal(err)
	}

	svcCfg := map[string]any{}
	for n, cmd := range services {
		svcCfg[n] = map[string]any{"command": cmd}
	}
	doc := map[string]any{
		"LOG_DIR":  logDir,
		"PID_FILE": "test_pid.txt",
		"PORTS":    portsPath,
		"SERVICES": svcCfg,
	}
	if startup != nil {
		doc["GROUPS"] = map[string]any{"startup": startup}
	}
	raw, _ := json.Marshal(doc)
	configPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(configPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	sup, err := Load(Options{ConfigPath: configPath, Name: name, Foreground: true})
	if err != nil {
		t.Fatal(err)
	}
	return sup, port
}

func waitForState(t *testing.T, svc *service.Service, want service.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if svc.Status().State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("service %s did not reach state %v within %v, last status %+v", svc.Name(), want, timeout, svc.Status())
}

func TestRunStartsStartupGroupAndQuitStopsAll(t *testing.T) {
	sup, _ := newTestSupervisor(t, "raptord-test", map[string]string{
		"sleeper": "/bin/sleep 10000",
	}, []string{"sleeper"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, true) }()

	var svc *service.Service
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := sup.lookupService("sleeper"); ok {
			svc = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if svc == nil {
		t.Fatal("startup group never created the sleeper service")
	}
	waitForState(t, svc, service.Running, 3*time.Second)

	if _, err := os.Stat(sup.PIDPath()); err != nil {
		t.Fatalf("pid file missing after startup: %v", err)
	}

	sup.requestQuit()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(7 * time.Second):
		t.Fatal("Run did not return within 7s of requestQuit")
	}

	if svc.Status().State != service.Aborted {
		t.Fatalf("sleeper status after quit = %+v, want Aborted", svc.Status())
	}
	if _, err := os.Stat(sup.PIDPath()); !os.IsNotExist(err) {
		t.Fatalf("pid file still present after quit: err=%v", err)
	}
}

func TestStartUnknownServiceReturnsNotFoundError(t *testing.T) {
	sup, _ := newTestSupervisor(t, "raptord-test", map[string]string{}, nil)

	err := sup.start("ghost")
	if err == nil {
		t.Fatal("expected an error starting an unconfigured service")
	}
	if _, ok := err.(*unknownServiceError); !ok {
		t.Fatalf("got %T (%v), want *unknownServiceError", err, err)
	}
}

func TestStartupGroupContinuesPastAFailingService(t *testing.T) {
	sup, _ := newTestSupervisor(t, "raptord-test", map[string]string{
		"bad":  "raptord-test-does-not-exist-xyz",
		"good": "/bin/sleep 10000",
	}, []string{"bad", "good"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, true) }()
	defer func() {
		sup.requestQuit()
		<-done
	}()

	var good *service.Service
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := sup.lookupService("good"); ok {
			good = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if good == nil {
		t.Fatal("startup group never reached the service after the failing one")
	}
	waitForState(t, good, service.Running, 3*time.Second)

	bad, ok := sup.lookupService("bad")
	if !ok {
		t.Fatal("failing service was never created")
	}
	waitForState(t, bad, service.Failed, 3*time.Second)
	if !bad.Status().StartupFailed {
		t.Fatalf("bad service status = %+v, want StartupFailed", bad.Status())
	}
}

func TestRPCStartStopAndStatusAllOverHTTP(t *testing.T) {
	sup, port := newTestSupervisor(t, "raptord-test", map[string]string{
		"echoer": "/bin/cat",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, true) }()
	defer func() {
		sup.requestQuit()
		<-done
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForServer(t, base, 3*time.Second)

	resp, err := http.Post(base+"/rpc/start", "application/json",
		jsonBody(t, map[string]string{"name": "echoer"}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /rpc/start = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Post(base+"/rpc/start", "application/json",
		jsonBody(t, map[string]string{"name": "nonexistent"}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST /rpc/start on unknown service = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(base + "/rpc/statusAll")
	if err != nil {
		t.Fatal(err)
	}
	var all map[string]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	st, ok := all["echoer"]
	if !ok {
		t.Fatalf("statusAll = %+v, missing echoer", all)
	}
	if st["status"] != string(service.Running) {
		t.Fatalf("echoer status = %v, want %v", st["status"], service.Running)
	}

	resp, err = http.Post(base+"/rpc/stop", "application/json",
		jsonBody(t, map[string]string{"name": "echoer"}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /rpc/stop = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(raw)
}

func waitForServer(t *testing.T, base string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/rpc/statusAll")
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("RPC server at %s never came up within %v", base, timeout)
}
