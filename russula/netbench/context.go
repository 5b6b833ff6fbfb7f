// Package netbench defines the concrete Coordinator/Worker protocol pairs
// that stage a distributed netbench run: a Server pair whose workers host
// traffic until told to stop, and a Client pair whose workers generate
// traffic and finish on their own. Both are ordinary instances of the
// russula abstraction; all driver logic lives there.
package netbench

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"netbench-orchestrator/russula"
)

// ServerContext configures one server-side worker: which driver binary to
// supervise, with which scenario, accepting benchmark traffic on which
// port. Testing mode swaps the driver for a long sleep so protocol flows
// can run on a single machine.
type ServerContext struct {
	ID           string
	DriverPath   string
	ScenarioPath string
	NetbenchPort int
	LogDir       string
	Testing      bool
}

// ClientContext configures one client-side worker. Servers lists the
// benchmark endpoints of every netbench server host, passed to the driver
// process via SERVER_i environment variables.
type ClientContext struct {
	ID           string
	DriverPath   string
	ScenarioPath string
	Servers      []string
	LogDir       string
	Testing      bool
}

// checkScenario probes the scenario description before a run starts so a
// bad path or corrupt file fails at Ready instead of mid-benchmark.
func checkScenario(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scenario %s: %w", path, err)
	}

	if !gjson.ValidBytes(data) {
		return fmt.Errorf("scenario %s is not valid JSON", path)
	}

	id := gjson.GetBytes(data, "id")
	if id.Exists() {
		zap.L().Info("scenario loaded",
			zap.String("path", path),
			zap.String("id", id.String()))
	}

	return nil
}

func processLogPath(logDir, id string) string {
	if logDir == "" {
		logDir = "."
	}
	return filepath.Join(logDir, fmt.Sprintf("netbench-%s.log", id))
}

// testingCommand is spawned instead of a netbench driver in testing mode.
func testingCommand(seconds string) (string, []string) {
	return "/bin/sh", []string{"-c", "sleep " + seconds}
}

func spawnDriver(driver, scenario string, env []string, logPath string) (*russula.ProcessHandle, error) {
	return russula.StartProcess(driver, []string{"--scenario", scenario}, env, logPath)
}
