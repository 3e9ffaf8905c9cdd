package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeWorkerBin writes a shell script that parks until SIGINT, standing in
// for the real worker binary.
func fakeWorkerBin(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-worker")
	script := "#!/bin/sh\ntrap 'exit 0' INT TERM\nwhile :; do sleep 1; done\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(Options{
		ConfigPath: filepath.Join(dir, "worker_pool.json"),
		LogsDir:    filepath.Join(dir, "logs"),
		WorkerBin:  fakeWorkerBin(t),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.SetConfig("ws://127.0.0.1:8080/ws/worker", 18300); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}
	t.Cleanup(func() { m.RemoveAll(context.Background()) })
	return m
}

func waitForDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive", pid)
}

func TestSetConfigPersists(t *testing.T) {
	m := newTestManager(t)

	data, err := os.ReadFile(m.ConfigPath())
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !bytes.Contains(data, []byte("  \"hub_url\"")) {
		t.Fatalf("config not 2-space indented:\n%s", data)
	}

	fresh, err := NewManager(Options{ConfigPath: m.ConfigPath()})
	if err != nil {
		t.Fatalf("NewManager() reload error = %v", err)
	}
	cfg := fresh.Snapshot()
	if cfg.HubURL != "ws://127.0.0.1:8080/ws/worker" || cfg.BasePort != 18300 {
		t.Fatalf("reloaded config = %+v", cfg)
	}
}

func TestAddWorkerRequiresHubURL(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Options{ConfigPath: filepath.Join(dir, "pool.json")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddWorker(context.Background()); err != ErrHubNotConfigured {
		t.Fatalf("AddWorker() error = %v, want ErrHubNotConfigured", err)
	}
}

func TestAddWorkerAssignsIDsAndPorts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.AddWorker(ctx)
	if err != nil {
		t.Fatalf("AddWorker() error = %v", err)
	}
	second, err := m.AddWorker(ctx)
	if err != nil {
		t.Fatalf("AddWorker() error = %v", err)
	}

	if first.ID != "w1" || second.ID != "w2" {
		t.Fatalf("ids = %q, %q", first.ID, second.ID)
	}
	if first.Port < 18300 || second.Port < 18300 || first.Port == second.Port {
		t.Fatalf("ports = %d, %d", first.Port, second.Port)
	}
	if !processAlive(first.PID) || !processAlive(second.PID) {
		t.Fatal("spawned workers not alive")
	}

	// Log files exist per worker.
	logs := filepath.Join(filepath.Dir(m.ConfigPath()), "logs")
	if _, err := os.Stat(filepath.Join(logs, "worker-w1.log")); err != nil {
		t.Fatalf("worker log missing: %v", err)
	}
}

func TestDefaultLogsDirNextToConfig(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Options{
		ConfigPath: filepath.Join(dir, "worker_pool.json"),
		WorkerBin:  fakeWorkerBin(t),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.SetConfig("ws://127.0.0.1:8080/ws/worker", 18400); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}
	t.Cleanup(func() { m.RemoveAll(context.Background()) })

	entry, err := m.AddWorker(context.Background())
	if err != nil {
		t.Fatalf("AddWorker() error = %v", err)
	}
	logPath := filepath.Join(dir, "logs", "worker-"+entry.ID+".log")
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("log not next to config: %v", err)
	}
}

func TestWorkerIDReusesGaps(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.AddWorker(ctx)
	m.AddWorker(ctx)
	if err := m.RemoveWorker(ctx, "w1"); err != nil {
		t.Fatalf("RemoveWorker() error = %v", err)
	}

	third, err := m.AddWorker(ctx)
	if err != nil {
		t.Fatalf("AddWorker() error = %v", err)
	}
	if third.ID != "w1" {
		t.Fatalf("id = %q, want reused w1", third.ID)
	}
}

func TestRemoveWorkerStopsProcess(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	entry, _ := m.AddWorker(ctx)
	if err := m.RemoveWorker(ctx, entry.ID); err != nil {
		t.Fatalf("RemoveWorker() error = %v", err)
	}
	waitForDead(t, entry.PID)

	if len(m.Snapshot().Workers) != 0 {
		t.Fatalf("workers remain: %+v", m.Snapshot().Workers)
	}
	if err := m.RemoveWorker(ctx, entry.ID); err != ErrWorkerNotFound {
		t.Fatalf("second remove error = %v, want ErrWorkerNotFound", err)
	}
}

func TestScaleTo(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	up, err := m.ScaleTo(ctx, 3)
	if err != nil {
		t.Fatalf("ScaleTo(3) error = %v", err)
	}
	if len(up.Added) != 3 || up.Total != 3 {
		t.Fatalf("scale up = %+v", up)
	}

	down, err := m.ScaleTo(ctx, 1)
	if err != nil {
		t.Fatalf("ScaleTo(1) error = %v", err)
	}
	if len(down.Removed) != 2 || down.Total != 1 {
		t.Fatalf("scale down = %+v", down)
	}
	// Removal comes from the tail.
	remaining := m.Snapshot().Workers
	if len(remaining) != 1 || remaining[0].ID != "w1" {
		t.Fatalf("remaining = %+v", remaining)
	}
}

func TestStatuses(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	entry, _ := m.AddWorker(ctx)
	statuses := m.Statuses(ctx)
	if len(statuses) != 1 {
		t.Fatalf("statuses = %+v", statuses)
	}
	if !statuses[0].Alive {
		t.Fatal("worker reported dead")
	}
	// The fake worker serves no health endpoint.
	if statuses[0].Health != "unreachable" {
		t.Fatalf("health = %q", statuses[0].Health)
	}

	m.RemoveWorker(ctx, entry.ID)

	// A dead PID left in the config reports alive=false.
	m.mu.Lock()
	m.cfg.Workers = []WorkerEntry{{ID: "stale", Port: 18399, PID: entry.PID}}
	m.mu.Unlock()
	waitForDead(t, entry.PID)

	statuses = m.Statuses(ctx)
	if len(statuses) != 1 || statuses[0].Alive {
		t.Fatalf("stale statuses = %+v", statuses)
	}
}

func TestAPIConfigAndScale(t *testing.T) {
	m := newTestManager(t)
	srv := httptest.NewServer(NewAPI(m).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]any
	json.NewDecoder(resp.Body).Decode(&cfg)
	resp.Body.Close()
	if cfg["hub_url"] != "ws://127.0.0.1:8080/ws/worker" {
		t.Fatalf("config = %+v", cfg)
	}

	body := strings.NewReader(`{"target":2}`)
	resp, err = http.Post(srv.URL+"/api/scale", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	var result ScaleResult
	json.NewDecoder(resp.Body).Decode(&result)
	resp.Body.Close()
	if result.Total != 2 {
		t.Fatalf("scale result = %+v", result)
	}

	resp, _ = http.Get(srv.URL + "/api/workers")
	var statuses []WorkerStatus
	json.NewDecoder(resp.Body).Decode(&statuses)
	resp.Body.Close()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v", statuses)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/workers/w2", nil)
	delResp, _ := http.DefaultClient.Do(req)
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/workers", nil)
	delResp, _ = http.DefaultClient.Do(req)
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete-all status = %d", delResp.StatusCode)
	}
	if len(m.Snapshot().Workers) != 0 {
		t.Fatal("workers remain after delete-all")
	}
}

func TestWatchReloadsExternalEdit(t *testing.T) {
	m := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	edited := Config{HubURL: "ws://127.0.0.1:9999/ws/worker", BasePort: 19000}
	data, _ := json.MarshalIndent(edited, "", "  ")
	if err := os.WriteFile(m.ConfigPath(), data, 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().HubURL == edited.HubURL {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("config not reloaded: %+v", m.Snapshot())
}
