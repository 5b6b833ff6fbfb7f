// Package config presents the parsing of the orchestrator configuration
// file, which describes the hosts taking part in a netbench run, the driver
// to execute and the coordination budgets.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so that configuration files can spell
// durations as "5s" or "2m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string

	err := value.Decode(&raw)
	if err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// WorkerHost describes one remote host taking part in a run.
type WorkerHost struct {
	Host string `yaml:"host"` // Address the coordinator dials for coordination
	Port int    `yaml:"port"` // Coordination port the worker listens on
}

func (h WorkerHost) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// SSHConfig carries the settings for preparing remote hosts. Everything,
// including the key, is an explicit configuration value; nothing is read
// from ambient process state.
type SSHConfig struct {
	User           string `yaml:"user"`
	PrivateKeyPath string `yaml:"private_key_path"`
	RemoteBinDir   string `yaml:"remote_bin_dir"` // Where worker and driver binaries live on each host
}

// Config is the full orchestrator configuration.
type Config struct {
	Name string `yaml:"name"` // Name of the benchmark run

	PollDelay    Duration `yaml:"poll_delay"`    // Cadence of the coordination polling loops
	StateTimeout Duration `yaml:"state_timeout"` // Budget per coordination stage
	DialAttempts uint     `yaml:"dial_attempts"` // Connection retries per worker

	ServerWorkers []WorkerHost `yaml:"server_workers"` // Hosts running netbench servers
	ClientWorkers []WorkerHost `yaml:"client_workers"` // Hosts running netbench clients

	Driver       string `yaml:"driver"`        // Netbench driver binary name
	Scenario     string `yaml:"scenario"`      // Scenario description file path
	NetbenchPort int    `yaml:"netbench_port"` // Port the server drivers accept traffic on

	ReportDir string `yaml:"report_dir,omitempty"` // Where run reports are written

	SSH *SSHConfig `yaml:"ssh,omitempty"` // Optional host preparation settings
}

// Parse reads and validates the orchestrator configuration file.
func Parse(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return parseYaml(content)
}

func parseYaml(content []byte) (*Config, error) {
	var cfg Config

	err := yaml.Unmarshal(content, &cfg)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for the mistakes that would otherwise
// only surface as a hung or half-started run.
func (cfg *Config) Validate() error {
	if len(cfg.ServerWorkers) == 0 {
		return errors.New("no server workers configured")
	}
	if len(cfg.ClientWorkers) == 0 {
		return errors.New("no client workers configured")
	}

	for _, h := range append(append([]WorkerHost{}, cfg.ServerWorkers...), cfg.ClientWorkers...) {
		if h.Host == "" {
			return errors.New("worker host with empty address")
		}
		if h.Port <= 0 || h.Port > 65535 {
			return fmt.Errorf("worker %s has invalid coordination port %d", h.Host, h.Port)
		}
	}

	if cfg.Driver == "" {
		return errors.New("no netbench driver configured")
	}
	if cfg.Scenario == "" {
		return errors.New("no scenario file configured")
	}
	if cfg.NetbenchPort <= 0 || cfg.NetbenchPort > 65535 {
		return fmt.Errorf("invalid netbench port %d", cfg.NetbenchPort)
	}

	if cfg.PollDelay < 0 || cfg.StateTimeout < 0 {
		return errors.New("negative durations in configuration")
	}

	if cfg.SSH != nil {
		if cfg.SSH.User == "" {
			return errors.New("ssh configured without a user")
		}
		if cfg.SSH.PrivateKeyPath == "" {
			return errors.New("ssh configured without a private key path")
		}
		if cfg.SSH.RemoteBinDir == "" {
			return errors.New("ssh configured without a remote bin dir")
		}
	}

	return nil
}

// ServerAddrs returns the coordination endpoints of the server workers.
func (cfg *Config) ServerAddrs() []string {
	return addrs(cfg.ServerWorkers)
}

// ClientAddrs returns the coordination endpoints of the client workers.
func (cfg *Config) ClientAddrs() []string {
	return addrs(cfg.ClientWorkers)
}

// NetbenchServerAddrs returns the benchmark traffic endpoints the client
// drivers connect to.
func (cfg *Config) NetbenchServerAddrs() []string {
	out := make([]string, len(cfg.ServerWorkers))
	for i, h := range cfg.ServerWorkers {
		out[i] = fmt.Sprintf("%s:%d", h.Host, cfg.NetbenchPort)
	}
	return out
}

func addrs(hosts []WorkerHost) []string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.Addr()
	}
	return out
}
