// Package registry manages independent sudp instances on one host. Each
// instance has a directory under the state root holding its PID file,
// metadata, heartbeat and logs; the registry itself keeps no state in
// memory.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sys/unix"

	"github.com/postalsys/sudp/internal/logging"
	"github.com/postalsys/sudp/internal/transport"
)

// Networks an instance may listen on.
const (
	NetworkUDP = "udp"
	NetworkTCP = "tcp"
)

const (
	lockFileName      = "registry.lock"
	pidFileName       = "sudp.pid"
	metaFileName      = "instance.json"
	heartbeatFileName = "heartbeat"
	logDirName        = "logs"

	// LogFileName is the instance log file inside the log directory.
	LogFileName = "sudp.log"

	// DefaultListenAddress is used when a StartSpec leaves it empty.
	DefaultListenAddress = "127.0.0.1"
)

// Defaults.
const (
	DefaultGracePeriod = 3 * time.Second
	DefaultStaleAfter  = 30 * time.Second
	pollInterval       = 50 * time.Millisecond
)

var (
	ErrAlreadyRunning    = errors.New("instance already running")
	ErrNotRunning        = errors.New("instance not running")
	ErrInvalidInstanceID = errors.New("invalid instance id")
)

// State is an instance's derived state.
type State string

const (
	StateRunning State = "running"
	StateStale   State = "stale"
	StateStopped State = "stopped"
)

// Instance is the persisted metadata of an instance.
type Instance struct {
	ID            string    `json:"id"`
	ConfigFile    string    `json:"config_file,omitempty"`
	ListenAddress string    `json:"listen_address"`
	Port          int       `json:"port"`
	StateDir      string    `json:"state_dir"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
}

// Status is an instance and its derived state.
type Status struct {
	Instance
	State         State
	LastHeartbeat time.Time
}

// StartSpec holds the settings for starting an instance.
type StartSpec struct {
	ConfigFile    string
	ListenAddress string
	// Port 0 asks the OS for a free port, which is then recorded.
	Port int
	// Network is the protocol the instance binds its port with, "udp"
	// (the default) or "tcp". A free port is looked for on that protocol.
	Network string
}

// Options configures a Registry.
type Options struct {
	Launcher Launcher

	// Clock stamps heartbeats and judges their freshness.
	Clock clock.Clock

	// GracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration

	// StaleAfter is the heartbeat age beyond which a live process is
	// reported Stale.
	StaleAfter time.Duration

	Logger *slog.Logger
}

// Registry manages the instances under one state root.
type Registry struct {
	root     string
	launcher Launcher
	clock    clock.Clock
	grace    time.Duration
	stale    time.Duration
	logger   *slog.Logger
}

// New creates a registry rooted at root, creating the directory if needed.
func New(root string, opts Options) (*Registry, error) {
	if root == "" {
		return nil, errors.New("registry root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve registry root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create registry root: %w", err)
	}

	r := &Registry{
		root:     abs,
		launcher: opts.Launcher,
		clock:    opts.Clock,
		grace:    opts.GracePeriod,
		stale:    opts.StaleAfter,
		logger:   opts.Logger,
	}
	if r.launcher == nil {
		r.launcher = &ExecLauncher{}
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.grace <= 0 {
		r.grace = DefaultGracePeriod
	}
	if r.stale <= 0 {
		r.stale = DefaultStaleAfter
	}
	if r.logger == nil {
		r.logger = logging.NopLogger()
	}
	return r, nil
}

// Root returns the state root.
func (r *Registry) Root() string {
	return r.root
}

// InstanceDir returns the directory of instance id.
func (r *Registry) InstanceDir(id string) string {
	return filepath.Join(r.root, id)
}

// LogFile returns the log file path of instance id.
func (r *Registry) LogFile(id string) string {
	return filepath.Join(r.root, id, logDirName, LogFileName)
}

// Start launches instance id. It fails with ErrAlreadyRunning when the
// recorded process is alive.
func (r *Registry) Start(ctx context.Context, id string, spec StartSpec) (*Status, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	unlock, err := r.lock(unix.LOCK_EX)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return r.startLocked(ctx, id, spec)
}

func (r *Registry) startLocked(ctx context.Context, id string, spec StartSpec) (*Status, error) {
	dir := r.InstanceDir(id)
	if pid := r.readPID(id); pid > 0 {
		if processAlive(pid) {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, id, pid)
		}
		r.logger.Info("removing stale pid file", logging.KeyInstance, id, "pid", pid)
		os.Remove(filepath.Join(dir, pidFileName))
	}

	addr := spec.ListenAddress
	if addr == "" {
		addr = DefaultListenAddress
	}
	port := spec.Port
	if port == 0 {
		p, err := allocatePort(spec.Network, addr)
		if err != nil {
			return nil, err
		}
		port = p
	}

	if err := os.MkdirAll(filepath.Join(dir, logDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create instance directory: %w", err)
	}

	inst := Instance{
		ID:            id,
		ConfigFile:    spec.ConfigFile,
		ListenAddress: addr,
		Port:          port,
		StateDir:      r.root,
		StartedAt:     r.clock.Now(),
	}
	pid, err := r.launcher.Launch(ctx, LaunchSpec{
		Instance:    inst,
		InstanceDir: dir,
		LogFile:     r.LogFile(id),
	})
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", id, err)
	}
	inst.PID = pid

	if err := r.writeRecords(inst); err != nil {
		unix.Kill(pid, unix.SIGKILL)
		return nil, err
	}

	r.logger.Info("instance started",
		logging.KeyInstance, id,
		"pid", pid,
		"port", port)
	return &Status{Instance: inst, State: StateRunning, LastHeartbeat: inst.StartedAt}, nil
}

// allocatePort binds port 0 on addr with network and returns the port the
// OS chose.
func allocatePort(network, addr string) (int, error) {
	switch network {
	case "", NetworkUDP:
		sock, err := transport.ListenUDP(addr, 0, transport.UDPOptions{})
		if err != nil {
			return 0, fmt.Errorf("allocate port: %w", err)
		}
		defer sock.Close()
		return sock.Port(), nil
	case NetworkTCP:
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, "0"))
		if err != nil {
			return 0, fmt.Errorf("allocate port: %w", err)
		}
		defer ln.Close()
		return ln.Addr().(*net.TCPAddr).Port, nil
	default:
		return 0, fmt.Errorf("allocate port: unknown network %q", network)
	}
}

// writeRecords writes the PID, metadata and initial heartbeat of inst.
func (r *Registry) writeRecords(inst Instance) error {
	dir := r.InstanceDir(inst.ID)
	if err := writeFileAtomic(filepath.Join(dir, pidFileName), []byte(strconv.Itoa(inst.PID)+"\n")); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	meta, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metaFileName), meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return r.writeHeartbeat(inst.ID)
}

// Stop terminates instance id: SIGTERM, then SIGKILL after the grace
// period. It fails with ErrNotRunning when no live process is recorded.
func (r *Registry) Stop(ctx context.Context, id string) error {
	id, err := NormalizeID(id)
	if err != nil {
		return err
	}
	unlock, err := r.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	return r.stopLocked(ctx, id)
}

func (r *Registry) stopLocked(ctx context.Context, id string) error {
	pidPath := filepath.Join(r.InstanceDir(id), pidFileName)
	pid := r.readPID(id)
	if pid <= 0 || !processAlive(pid) {
		os.Remove(pidPath)
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s (pid %d): %w", id, pid, err)
	}

	exited, err := waitExit(ctx, pid, r.grace)
	if err != nil {
		return err
	}
	if !exited {
		r.logger.Warn("instance ignored SIGTERM, killing",
			logging.KeyInstance, id,
			"pid", pid,
			logging.KeyDelay, r.grace)
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("kill %s (pid %d): %w", id, pid, err)
		}
		if _, err := waitExit(ctx, pid, r.grace); err != nil {
			return err
		}
	}

	os.Remove(pidPath)
	r.logger.Info("instance stopped", logging.KeyInstance, id, "pid", pid)
	return nil
}

// waitExit polls until pid is gone or timeout elapses. It measures real
// time regardless of the registry clock, since it waits on the OS.
func waitExit(ctx context.Context, pid int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !processAlive(pid) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Restart stops instance id if it is running and starts it again, holding
// the registry lock throughout.
func (r *Registry) Restart(ctx context.Context, id string, spec StartSpec) (*Status, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	unlock, err := r.lock(unix.LOCK_EX)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := r.stopLocked(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
		return nil, err
	}
	return r.startLocked(ctx, id, spec)
}

// Status derives the state of instance id from its on-disk records.
func (r *Registry) Status(id string) (*Status, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	unlock, err := r.lock(unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st := r.statusLocked(id)
	return &st, nil
}

// List returns the status of every instance under the root, sorted by ID.
func (r *Registry) List() ([]Status, error) {
	unlock, err := r.lock(unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("read registry root: %w", err)
	}

	var out []Status
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := NormalizeID(e.Name())
		if err != nil || id != e.Name() {
			continue
		}
		out = append(out, r.statusLocked(id))
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *Registry) statusLocked(id string) Status {
	st := Status{Instance: Instance{ID: id}}
	if meta, err := r.readMeta(id); err == nil {
		st.Instance = meta
	}
	st.LastHeartbeat = r.readHeartbeat(id)

	pid := r.readPID(id)
	switch {
	case pid > 0 && processAlive(pid):
		st.PID = pid
		if !st.LastHeartbeat.IsZero() && r.clock.Now().Sub(st.LastHeartbeat) <= r.stale {
			st.State = StateRunning
		} else {
			st.State = StateStale
		}
	default:
		if pid > 0 {
			// Dead process; the PID file is stale.
			os.Remove(filepath.Join(r.InstanceDir(id), pidFileName))
		}
		st.PID = 0
		st.State = StateStopped
	}
	return st
}

// Attach records the calling process as instance id. The running instance
// uses it at startup; Start-launched processes find their own PID already
// recorded. It fails with ErrAlreadyRunning if another live process owns
// the instance.
func (r *Registry) Attach(id string, inst Instance) (*Handle, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	unlock, err := r.lock(unix.LOCK_EX)
	if err != nil {
		return nil, err
	}
	defer unlock()

	self := os.Getpid()
	if pid := r.readPID(id); pid > 0 && pid != self && processAlive(pid) {
		return nil, fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, id, pid)
	}
	if err := os.MkdirAll(filepath.Join(r.InstanceDir(id), logDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create instance directory: %w", err)
	}

	inst.ID = id
	inst.PID = self
	inst.StateDir = r.root
	if prev, err := r.readMeta(id); err == nil && prev.PID == self && !prev.StartedAt.IsZero() {
		inst.StartedAt = prev.StartedAt
	}
	if inst.StartedAt.IsZero() {
		inst.StartedAt = r.clock.Now()
	}
	if err := r.writeRecords(inst); err != nil {
		return nil, err
	}
	return &Handle{r: r, inst: inst}, nil
}

// Handle is held by a running instance.
type Handle struct {
	r    *Registry
	inst Instance
}

// Instance returns the recorded metadata.
func (h *Handle) Instance() Instance {
	return h.inst
}

// Beat refreshes the heartbeat file.
func (h *Handle) Beat() error {
	return h.r.writeHeartbeat(h.inst.ID)
}

// Release removes the PID file if it still names this process.
func (h *Handle) Release() error {
	unlock, err := h.r.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	if h.r.readPID(h.inst.ID) != h.inst.PID {
		return nil
	}
	err = os.Remove(filepath.Join(h.r.InstanceDir(h.inst.ID), pidFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (r *Registry) readPID(id string) int {
	b, err := os.ReadFile(filepath.Join(r.InstanceDir(id), pidFileName))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func (r *Registry) readMeta(id string) (Instance, error) {
	var inst Instance
	b, err := os.ReadFile(filepath.Join(r.InstanceDir(id), metaFileName))
	if err != nil {
		return inst, err
	}
	if err := json.Unmarshal(b, &inst); err != nil {
		return inst, fmt.Errorf("decode metadata: %w", err)
	}
	return inst, nil
}

func (r *Registry) writeHeartbeat(id string) error {
	now := strconv.FormatInt(r.clock.Now().UnixNano(), 10)
	if err := writeFileAtomic(filepath.Join(r.InstanceDir(id), heartbeatFileName), []byte(now+"\n")); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

func (r *Registry) readHeartbeat(id string) time.Time {
	b, err := os.ReadFile(filepath.Join(r.InstanceDir(id), heartbeatFileName))
	if err != nil {
		return time.Time{}
	}
	ns, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// writeFileAtomic writes via a temporary file and rename so readers never
// see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ListenAddr returns the instance's UDP listen address.
func (i Instance) ListenAddr() string {
	return net.JoinHostPort(i.ListenAddress, strconv.Itoa(i.Port))
}
