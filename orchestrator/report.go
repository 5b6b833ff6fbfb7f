package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"netbench-orchestrator/config"
	"netbench-orchestrator/russula"
)

// Report summarizes one benchmark run: what was driven where, how long the
// traffic phase lasted and how chatty each coordination protocol was.
type Report struct {
	RunID    string    `json:"run_id"`
	Name     string    `json:"name"`
	Driver   string    `json:"driver"`
	Scenario string    `json:"scenario"`
	Started  time.Time `json:"started"`

	ServerWorkers []string `json:"server_workers"`
	ClientWorkers []string `json:"client_workers"`

	TrafficDuration time.Duration `json:"traffic_duration_ns"`
	TotalDuration   time.Duration `json:"total_duration_ns"`

	ServerFinalStates map[string]string     `json:"server_final_states"`
	ClientFinalStates map[string]string     `json:"client_final_states"`
	ServerEvents      russula.EventRecorder `json:"server_events"`
	ClientEvents      russula.EventRecorder `json:"client_events"`
}

func newReport(runID string, cfg *config.Config) *Report {
	return &Report{
		RunID:         runID,
		Name:          cfg.Name,
		Driver:        cfg.Driver,
		Scenario:      cfg.Scenario,
		Started:       time.Now(),
		ServerWorkers: cfg.ServerAddrs(),
		ClientWorkers: cfg.ClientAddrs(),
	}
}

func (r *Report) finish(servers, clients *russula.Coordinator) {
	r.ServerFinalStates = stateTags(servers.PeerStates())
	r.ClientFinalStates = stateTags(clients.PeerStates())
	r.ServerEvents = servers.Events()
	r.ClientEvents = clients.Events()
}

func stateTags(states map[string]russula.State) map[string]string {
	out := make(map[string]string, len(states))
	for addr, state := range states {
		out[addr] = state.Tag()
	}
	return out
}

// Write stores the report as JSON under dir, named by run id.
func (r *Report) Write(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("netbench-run-%s.json", r.RunID))

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return "", err
	}

	return path, nil
}
