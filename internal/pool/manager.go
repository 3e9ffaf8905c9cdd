// Package pool supervises local worker child processes: it spawns them
// with a health port each, tracks them in a JSON config file, and scales
// the set up and down on demand.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/relaymesh/relay/internal/observability"
)

const (
	// DefaultBasePort is the first health port tried for new workers.
	DefaultBasePort = 8081

	stopGrace     = 2 * time.Second
	stopPoll      = 100 * time.Millisecond
	healthTimeout = 2 * time.Second
)

// ErrWorkerNotFound is returned for operations on unknown worker ids.
var ErrWorkerNotFound = errors.New("pool: worker not found")

// ErrHubNotConfigured is returned when spawning without a hub URL.
var ErrHubNotConfigured = errors.New("pool: hub_url not configured")

// WorkerEntry is one supervised child in the persisted config.
type WorkerEntry struct {
	ID   string `json:"id"`
	Port int    `json:"port"`
	PID  int    `json:"pid"`
}

// Config is the persisted pool state.
type Config struct {
	HubURL   string        `json:"hub_url"`
	BasePort int           `json:"base_port"`
	Workers  []WorkerEntry `json:"workers"`
}

// WorkerStatus is the probe view of one entry.
type WorkerStatus struct {
	ID     string `json:"id"`
	Port   int    `json:"port"`
	PID    int    `json:"pid"`
	Alive  bool   `json:"alive"`
	Health string `json:"health"`
}

// ScaleResult summarizes one scale_to operation.
type ScaleResult struct {
	Added   []WorkerEntry `json:"added"`
	Removed []string      `json:"removed"`
	Total   int           `json:"total"`
}

// Options configures a Manager.
type Options struct {
	ConfigPath string
	// LogsDir defaults to a "logs" directory next to ConfigPath.
	LogsDir string
	// WorkerBin is the worker executable to spawn; defaults to
	// "relay-worker" resolved on PATH.
	WorkerBin string
	Logger    *observability.Logger
}

// Manager owns the worker config file and the child process set.
type Manager struct {
	configPath string
	logsDir    string
	workerBin  string
	logger     *observability.Logger

	mu  sync.Mutex
	cfg Config
	// procs holds handles for children spawned by this process, so they
	// can be reaped. Entries recovered from disk are managed by PID only.
	procs map[int]*exec.Cmd
}

// NewManager loads the config file if present.
func NewManager(opts Options) (*Manager, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = "worker_pool.json"
	}
	if opts.LogsDir == "" {
		opts.LogsDir = filepath.Join(filepath.Dir(opts.ConfigPath), "logs")
	}
	if opts.WorkerBin == "" {
		opts.WorkerBin = "relay-worker"
	}

	m := &Manager{
		configPath: opts.ConfigPath,
		logsDir:    opts.LogsDir,
		workerBin:  opts.WorkerBin,
		logger:     opts.Logger,
		cfg:        Config{BasePort: DefaultBasePort},
		procs:      make(map[int]*exec.Cmd),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the config file, keeping defaults when it is absent.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pool: read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("pool: decode config: %w", err)
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = DefaultBasePort
	}
	m.cfg = cfg
	return nil
}

// ConfigPath returns the backing file path.
func (m *Manager) ConfigPath() string { return m.configPath }

// Snapshot returns a copy of the current config.
func (m *Manager) Snapshot() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.cfg
	out.Workers = append([]WorkerEntry(nil), m.cfg.Workers...)
	return out
}

// SetConfig updates hub_url and base_port and persists.
func (m *Manager) SetConfig(hubURL string, basePort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hubURL != "" {
		m.cfg.HubURL = hubURL
	}
	if basePort > 0 {
		m.cfg.BasePort = basePort
	}
	return m.saveLocked()
}

// saveLocked writes the config atomically with 2-space indent.
func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("pool: encode config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(m.configPath)
	tmp, err := os.CreateTemp(dir, ".worker_pool.tmp-*")
	if err != nil {
		return fmt.Errorf("pool: write config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pool: write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pool: write config: %w", err)
	}
	if err := os.Rename(tmpName, m.configPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pool: write config: %w", err)
	}
	return nil
}

func (m *Manager) nextWorkerIDLocked() string {
	used := make(map[string]bool, len(m.cfg.Workers))
	for _, w := range m.cfg.Workers {
		used[w.ID] = true
	}
	for n := 1; ; n++ {
		id := fmt.Sprintf("w%d", n)
		if !used[id] {
			return id
		}
	}
}

func portBindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func (m *Manager) findFreePortLocked() int {
	used := make(map[int]bool, len(m.cfg.Workers))
	for _, w := range m.cfg.Workers {
		used[w.Port] = true
	}
	for port := m.cfg.BasePort; ; port++ {
		if !used[port] && portBindable(port) {
			return port
		}
	}
}

// AddWorker spawns one worker child and records it.
func (m *Manager) AddWorker(ctx context.Context) (WorkerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.HubURL == "" {
		return WorkerEntry{}, ErrHubNotConfigured
	}
	if err := os.MkdirAll(m.logsDir, 0o755); err != nil {
		return WorkerEntry{}, fmt.Errorf("pool: create logs dir: %w", err)
	}

	id := m.nextWorkerIDLocked()
	port := m.findFreePortLocked()

	logPath := filepath.Join(m.logsDir, fmt.Sprintf("worker-%s.log", id))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return WorkerEntry{}, fmt.Errorf("pool: open worker log: %w", err)
	}

	cmd := exec.Command(m.workerBin,
		"--server", m.cfg.HubURL,
		"--health-port", fmt.Sprint(port),
		"--worker-id", id,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return WorkerEntry{}, fmt.Errorf("pool: start worker: %w", err)
	}

	// Reap the child so it never lingers as a zombie.
	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()

	entry := WorkerEntry{ID: id, Port: port, PID: cmd.Process.Pid}
	m.cfg.Workers = append(m.cfg.Workers, entry)
	m.procs[entry.PID] = cmd
	if err := m.saveLocked(); err != nil {
		return WorkerEntry{}, err
	}

	if m.logger != nil {
		m.logger.Info(ctx, "worker started",
			"worker_id", id, "port", port, "pid", entry.PID)
	}
	return entry, nil
}

// RemoveWorker stops one worker (SIGINT, 2s grace, then SIGKILL) and
// drops it from the config.
func (m *Manager) RemoveWorker(ctx context.Context, id string) error {
	m.mu.Lock()
	var entry *WorkerEntry
	for i := range m.cfg.Workers {
		if m.cfg.Workers[i].ID == id {
			entry = &m.cfg.Workers[i]
			break
		}
	}
	if entry == nil {
		m.mu.Unlock()
		return ErrWorkerNotFound
	}
	pid := entry.PID
	kept := m.cfg.Workers[:0]
	for _, w := range m.cfg.Workers {
		if w.ID != id {
			kept = append(kept, w)
		}
	}
	m.cfg.Workers = kept
	delete(m.procs, pid)
	err := m.saveLocked()
	m.mu.Unlock()

	stopProcess(pid)
	if m.logger != nil {
		m.logger.Info(ctx, "worker stopped", "worker_id", id, "pid", pid)
	}
	return err
}

// RemoveAll stops every worker and returns how many were removed.
func (m *Manager) RemoveAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	workers := append([]WorkerEntry(nil), m.cfg.Workers...)
	m.mu.Unlock()

	for _, w := range workers {
		if err := m.RemoveWorker(ctx, w.ID); err != nil && !errors.Is(err, ErrWorkerNotFound) {
			return 0, err
		}
	}
	return len(workers), nil
}

// ScaleTo adds or removes workers (from the tail) until the pool has
// target entries.
func (m *Manager) ScaleTo(ctx context.Context, target int) (*ScaleResult, error) {
	if target < 0 {
		target = 0
	}
	result := &ScaleResult{Added: []WorkerEntry{}, Removed: []string{}}

	for {
		m.mu.Lock()
		current := len(m.cfg.Workers)
		var tail string
		if current > 0 {
			tail = m.cfg.Workers[current-1].ID
		}
		m.mu.Unlock()

		switch {
		case current < target:
			entry, err := m.AddWorker(ctx)
			if err != nil {
				return result, err
			}
			result.Added = append(result.Added, entry)
		case current > target:
			if err := m.RemoveWorker(ctx, tail); err != nil {
				return result, err
			}
			result.Removed = append(result.Removed, tail)
		default:
			result.Total = current
			return result, nil
		}
	}
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// stopProcess sends SIGINT, waits up to the grace period, then SIGKILLs.
func stopProcess(pid int) {
	if err := syscall.Kill(pid, syscall.SIGINT); err != nil {
		return
	}
	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(stopPoll)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// Statuses probes every worker concurrently: liveness via signal 0 and
// health via the worker's /healthz endpoint.
func (m *Manager) Statuses(ctx context.Context) []WorkerStatus {
	m.mu.Lock()
	workers := append([]WorkerEntry(nil), m.cfg.Workers...)
	m.mu.Unlock()

	statuses := make([]WorkerStatus, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w WorkerEntry) {
			defer wg.Done()
			statuses[i] = m.probe(ctx, w)
		}(i, w)
	}
	wg.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

func (m *Manager) probe(ctx context.Context, w WorkerEntry) WorkerStatus {
	status := WorkerStatus{ID: w.ID, Port: w.Port, PID: w.PID, Health: "unreachable"}
	status.Alive = processAlive(w.PID)
	if !status.Alive {
		return status
	}

	reqCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", w.Port)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return status
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return status
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		status.Health = "connected"
	} else {
		status.Health = "disconnected"
	}
	return status
}
