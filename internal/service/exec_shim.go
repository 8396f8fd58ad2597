//go:build linux

package service

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// ShimArg is the hidden argv[1] cmd/raptord recognizes to re-exec itself
// as an exec shim instead of running the supervisor.
const ShimArg = "__raptord_exec_shim__"

// shimRequest is the wire payload passed to a re-exec'd shim process via
// its argv (base64'd JSON, to survive shell-unfriendly bytes intact).
type shimRequest struct {
	Argv       []string `json:"argv"`
	Env        []string `json:"env"`
	Cwd        string   `json:"cwd,omitempty"`
	StdinPath  string   `json:"stdinPath,omitempty"`
	StdoutPath string   `json:"stdoutPath,omitempty"`
}

func (r shimRequest) encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeShimRequest(s string) (shimRequest, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return shimRequest{}, err
	}
	var r shimRequest
	err = json.Unmarshal(b, &r)
	return r, err
}

// RunExecShim is the post-fork-pre-exec step for a service with a
// named-pipe/file stdin or stdout: it opens each configured path and
// dup2s it onto the matching standard fd, chdirs if configured, then
// execve's the real command in place. It runs as ordinary Go code in a
// freshly exec'd process of its own, so the allocations it makes before
// the exec never touch the supervisor's runtime. It never returns on
// success.
//
// The parent never calls this directly — it re-execs this binary as a
// disposable child via os/exec (an ordinary fork+exec, so Start() never
// blocks), and that child's only job is to run this function. This is
// the "out-of-process launcher" option: opening the named pipe can block
// for an arbitrary time waiting for a peer, and only this throwaway
// process blocks on it, never the supervisor.
func RunExecShim(payload string) int {
	req, err := decodeShimRequest(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raptord: exec shim: bad payload: %v\n", err)
		return 1
	}
	if len(req.Argv) == 0 {
		fmt.Fprintln(os.Stderr, "raptord: exec shim: empty argv")
		return 1
	}

	if req.StdinPath != "" {
		f, err := os.OpenFile(req.StdinPath, os.O_RDONLY, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "raptord: exec shim: open stdin %s: %v\n", req.StdinPath, err)
			return 1
		}
		if err := unix.Dup2(int(f.Fd()), 0); err != nil {
			fmt.Fprintf(os.Stderr, "raptord: exec shim: dup2 stdin: %v\n", err)
			return 1
		}
		f.Close()
	}
	if req.StdoutPath != "" {
		f, err := os.OpenFile(req.StdoutPath, os.O_WRONLY, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "raptord: exec shim: open stdout %s: %v\n", req.StdoutPath, err)
			return 1
		}
		if err := unix.Dup2(int(f.Fd()), 1); err != nil {
			fmt.Fprintf(os.Stderr, "raptord: exec shim: dup2 stdout: %v\n", err)
			return 1
		}
		f.Close()
	}
	if req.Cwd != "" {
		if err := os.Chdir(req.Cwd); err != nil {
			fmt.Fprintf(os.Stderr, "raptord: exec shim: chdir %s: %v\n", req.Cwd, err)
			return 1
		}
	}

	bin, err := exec.LookPath(req.Argv[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "raptord: exec shim: %s: %v\n", req.Argv[0], err)
		return 127
	}
	if err := unix.Exec(bin, req.Argv, req.Env); err != nil {
		fmt.Fprintf(os.Stderr, "raptord: exec shim: execve %s: %v\n", bin, err)
		return 127
	}
	return 0
}
