package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"netbench-orchestrator/config"
)

func TestReportWrite(t *testing.T) {
	cfg := &config.Config{
		Name:          "smoke",
		Driver:        "netbench-driver",
		Scenario:      "request_response.json",
		ServerWorkers: []config.WorkerHost{{Host: "10.0.0.1", Port: 9000}},
		ClientWorkers: []config.WorkerHost{{Host: "10.0.1.1", Port: 9000}},
	}

	runID := uuid.NewString()
	report := newReport(runID, cfg)
	report.ServerFinalStates = map[string]string{"10.0.0.1:9000": "Done"}
	report.ClientFinalStates = map[string]string{"10.0.1.1:9000": "Done"}

	dir := t.TempDir()
	path, err := report.Write(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "netbench-run-"+runID+".json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, gjson.ValidBytes(data))

	require.Equal(t, runID, gjson.GetBytes(data, "run_id").String())
	require.Equal(t, "smoke", gjson.GetBytes(data, "name").String())
	require.Equal(t, "Done", gjson.GetBytes(data, "server_final_states.10\\.0\\.0\\.1:9000").String())
}

func TestReportWriteCreatesDir(t *testing.T) {
	report := newReport(uuid.NewString(), &config.Config{Name: "n"})

	dir := filepath.Join(t.TempDir(), "nested", "reports")
	path, err := report.Write(dir)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)
}
