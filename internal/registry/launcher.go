package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// LaunchSpec describes the instance process to start.
type LaunchSpec struct {
	Instance    Instance
	InstanceDir string
	LogFile     string
}

// Launcher starts an instance process and returns its PID. The process must
// outlive the caller.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (int, error)
}

// ExecLauncher starts a detached child process in its own session with
// output appended to the instance log file.
type ExecLauncher struct {
	// Path is the executable. Defaults to the running binary.
	Path string

	// BuildArgs returns the arguments for spec. Defaults to RunArgs.
	BuildArgs func(spec LaunchSpec) []string

	// Env is appended to the current environment.
	Env []string
}

// RunArgs returns the arguments of the foreground "run" command for spec.
func RunArgs(spec LaunchSpec) []string {
	inst := spec.Instance
	args := []string{
		"run",
		"--instance", inst.ID,
		"--state-dir", inst.StateDir,
		"--port", strconv.Itoa(inst.Port),
		"--log-file", spec.LogFile,
	}
	if inst.ListenAddress != "" {
		args = append(args, "--listen-address", inst.ListenAddress)
	}
	if inst.ConfigFile != "" {
		args = append(args, "--config-file", inst.ConfigFile)
	}
	return args
}

// Launch starts the process.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (int, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	build := l.BuildArgs
	if build == nil {
		build = RunArgs
	}

	logFile, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	// Not tied to ctx: the instance must survive the launching command.
	cmd := exec.Command(path, build(spec)...)
	cmd.Dir = spec.InstanceDir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", path, err)
	}

	pid := cmd.Process.Pid
	// Reap the child if it exits while this process is still running.
	go cmd.Wait()
	return pid, nil
}
