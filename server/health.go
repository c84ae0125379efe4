package server

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/vbabua/video-map-agent/core"
)

// HealthStatus is the health endpoint payload: per-dependency checks plus
// process and storage facts.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	UptimeSec int64                  `json:"uptime_sec"`
	Checks    map[string]HealthCheck `json:"checks"`
	System    SystemInfo             `json:"system"`
	Storage   StorageInfo            `json:"storage"`
}

type HealthCheck struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type SystemInfo struct {
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
}

type StorageInfo struct {
	StoreKind    string `json:"store_kind"`
	DataRoot     string `json:"data_root"`
	IndexedItems int    `json:"indexed_items"`
}

// handleHealth reports degraded rather than failing the request: a broken
// ffmpeg install should show up in monitoring, not as a dead endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := map[string]HealthCheck{
		"ffmpeg":         checkBinary("ffmpeg"),
		"ffprobe":        checkBinary("ffprobe"),
		"data_directory": s.checkDataDirectory(),
	}
	registryCheck, indexed := s.checkRegistry()
	checks["registry"] = registryCheck

	status := "ok"
	for _, c := range checks {
		if c.Status != "ok" {
			status = "degraded"
			break
		}
	}

	core.WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC(),
		UptimeSec: int64(time.Since(s.started).Seconds()),
		Checks:    checks,
		System: SystemInfo{
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
		},
		Storage: StorageInfo{
			StoreKind:    s.cfg.StoreKind,
			DataRoot:     s.cfg.DataRoot,
			IndexedItems: indexed,
		},
	})
}

func checkBinary(name string) HealthCheck {
	start := time.Now()
	out, err := exec.Command(name, "-version").Output()
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return HealthCheck{Status: "error", Message: fmt.Sprintf("%s not available: %v", name, err), LatencyMs: latency}
	}
	version := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	return HealthCheck{Status: "ok", Message: version, LatencyMs: latency}
}

func (s *Server) checkDataDirectory() HealthCheck {
	start := time.Now()
	info, err := os.Stat(s.cfg.DataRoot)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return HealthCheck{Status: "error", Message: fmt.Sprintf("data root: %v", err), LatencyMs: latency}
	}
	if !info.IsDir() {
		return HealthCheck{Status: "error", Message: fmt.Sprintf("data root %s is not a directory", s.cfg.DataRoot), LatencyMs: latency}
	}
	return HealthCheck{Status: "ok", LatencyMs: latency}
}

func (s *Server) checkRegistry() (HealthCheck, int) {
	start := time.Now()
	items, err := s.reg.List()
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return HealthCheck{Status: "error", Message: err.Error(), LatencyMs: latency}, 0
	}
	return HealthCheck{Status: "ok", Message: fmt.Sprintf("%d indexed items", len(items)), LatencyMs: latency}, len(items)
}
