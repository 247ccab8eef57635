package lds

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
)

// LaunchSpec describes one worker process start.
type LaunchSpec struct {
	LauncherPath  string
	LibraryPath   string
	ServiceID     uint64
	ServiceName   string
	ServiceType   string
	SessionID     string
	LSSURL        string
	LDSURL        string
	URL           string
	WebsocketPort int
	Options       map[string]string
}

// Args renders the launcher command line.
func (s LaunchSpec) Args() []string {
	args := []string{
		filepath.Join(s.LibraryPath, s.ServiceName),
		"--service-id", strconv.FormatUint(s.ServiceID, 10),
		"--service-type", s.ServiceType,
		"--url", s.URL,
		"--session-id", s.SessionID,
		"--lss-url", s.LSSURL,
		"--lds-url", s.LDSURL,
	}
	if s.WebsocketPort != 0 {
		args = append(args, "--websocket-port", strconv.Itoa(s.WebsocketPort))
	}
	keys := make([]string, 0, len(s.Options))
	for k := range s.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--opt", k+"="+s.Options[k])
	}
	return args
}

// Process is a started worker.
type Process interface {
	PID() int
	// Wait blocks until the process exits.
	Wait() error
	// Terminate asks the process to stop.
	Terminate() error
	Kill() error
}

// Launcher starts worker processes. Launch returns once the process is observed
// running; readiness arrives later from the worker itself.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts workers through the configured launcher executable.
type ExecLauncher struct {
	Stdout *os.File
	Stderr *os.File
}

func (l ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	// The worker outlives the request that spawned it, so it is not bound to ctx.
	cmd := exec.Command(spec.LauncherPath, spec.Args()...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.Env = append(os.Environ(),
		"SESSIONCTL_SERVICE_ID="+strconv.FormatUint(spec.ServiceID, 10),
		"SESSIONCTL_SESSION_ID="+spec.SessionID,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("lds: launch %s: %w", spec.ServiceName, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Terminate() error { return p.cmd.Process.Signal(syscall.SIGTERM) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }
