// Package provision prepares remote hosts for a netbench run: it verifies
// that the worker and driver binaries are present and launches the worker
// processes, yielding the coordination addresses the coordinator then
// dials. Cloud resource creation is out of scope; hosts are assumed to
// exist and accept SSH.
package provision

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"netbench-orchestrator/config"
)

const sshDialTimeout = 10 * time.Second

// Provisioner runs preparation commands over SSH. All credentials are
// injected at construction from explicit configuration.
type Provisioner struct {
	user   string
	signer ssh.Signer
	binDir string
}

// New builds a provisioner from the orchestrator's SSH settings.
func New(cfg *config.SSHConfig) (*Provisioner, error) {
	key, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", cfg.PrivateKeyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", cfg.PrivateKeyPath, err)
	}

	return &Provisioner{
		user:   cfg.User,
		signer: signer,
		binDir: cfg.RemoteBinDir,
	}, nil
}

// WorkerLaunch describes one remote worker process to start.
type WorkerLaunch struct {
	Host string
	Args []string // Arguments to the worker binary, including the subcommand
}

// PrepareHosts verifies every host and launches its worker concurrently.
// It returns once all workers have been started; the coordinator's dial
// retry absorbs the remaining startup latency.
func (p *Provisioner) PrepareHosts(ctx context.Context, driver string, launches []WorkerLaunch) error {
	group, gctx := errgroup.WithContext(ctx)

	for _, launch := range launches {
		launch := launch
		group.Go(func() error {
			err := p.checkHost(gctx, launch.Host, driver)
			if err != nil {
				return err
			}
			return p.launchWorker(gctx, launch)
		})
	}

	return group.Wait()
}

// checkHost fails early when a host is missing its binaries, so the
// coordinator never waits on a worker that can not start.
func (p *Provisioner) checkHost(ctx context.Context, host, driver string) error {
	cmd := fmt.Sprintf("test -x %s/netbench-orchestrator && test -x %s/%s",
		p.binDir, p.binDir, driver)

	err := p.run(ctx, host, cmd)
	if err != nil {
		return fmt.Errorf("host %s is missing binaries under %s: %w", host, p.binDir, err)
	}

	zap.L().Info("host verified", zap.String("host", host))
	return nil
}

func (p *Provisioner) launchWorker(ctx context.Context, launch WorkerLaunch) error {
	cmd := fmt.Sprintf("nohup %s/netbench-orchestrator %s > %s/worker.log 2>&1 &",
		p.binDir, strings.Join(launch.Args, " "), p.binDir)

	err := p.run(ctx, launch.Host, cmd)
	if err != nil {
		return fmt.Errorf("launch worker on %s: %w", launch.Host, err)
	}

	zap.L().Info("worker launched",
		zap.String("host", launch.Host),
		zap.Strings("args", launch.Args))
	return nil
}

func (p *Provisioner) run(ctx context.Context, host, cmd string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	clientCfg := &ssh.ClientConfig{
		User: p.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(p.signer)},
		// Benchmark hosts are freshly provisioned and short lived, a
		// pinned host key would never be seen twice.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	client, err := ssh.Dial("tcp", host+":22", clientCfg)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session %s: %w", host, err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(cmd)
	if err != nil {
		return fmt.Errorf("remote command failed on %s: %w (output: %s)",
			host, err, strings.TrimSpace(string(output)))
	}

	return nil
}
