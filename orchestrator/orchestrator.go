// Package orchestrator composes a full distributed netbench run out of the
// server and client coordination protocols: servers are brought up and told
// to start hosting traffic, clients generate load and finish on their own,
// then the servers are explicitly stopped.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"netbench-orchestrator/config"
	"netbench-orchestrator/provision"
	"netbench-orchestrator/russula"
	"netbench-orchestrator/russula/netbench"
)

// Orchestrator drives one benchmark run from a parsed configuration.
type Orchestrator struct {
	cfg   *config.Config
	runID string
	log   *zap.Logger
}

func New(cfg *config.Config) *Orchestrator {
	runID := uuid.NewString()

	return &Orchestrator{
		cfg:   cfg,
		runID: runID,
		log:   zap.L().Named("orchestrator").With(zap.String("run_id", runID)),
	}
}

func (o *Orchestrator) RunID() string { return o.runID }

// Run stages the benchmark end to end and writes the run report. Any
// failure aborts the whole run: partial benchmark results have no meaning.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := newReport(o.runID, o.cfg)
	started := time.Now()

	if o.cfg.SSH != nil {
		err := o.prepareHosts(ctx)
		if err != nil {
			return nil, err
		}
	}

	coordCfg := russula.CoordinatorConfig{
		PollDelay:    o.cfg.PollDelay.Std(),
		StateTimeout: o.cfg.StateTimeout.Std(),
		DialAttempts: o.cfg.DialAttempts,
	}

	// Servers first: clients can only connect once every server driver
	// is listening.
	serverProto := netbench.ServerCoordinator{}
	serverCfg := coordCfg
	serverCfg.Peers = o.cfg.ServerAddrs()

	o.log.Info("connecting to server workers", zap.Strings("peers", serverCfg.Peers))
	servers, err := russula.NewCoordinator(ctx, serverProto, serverCfg)
	if err != nil {
		return nil, err
	}
	defer servers.Close()

	err = servers.RunTillReady(ctx)
	if err != nil {
		return nil, o.fail("server", netbench.ServerReady, err)
	}

	clientProto := netbench.ClientCoordinator{}
	clientCfg := coordCfg
	clientCfg.Peers = o.cfg.ClientAddrs()

	o.log.Info("connecting to client workers", zap.Strings("peers", clientCfg.Peers))
	clients, err := russula.NewCoordinator(ctx, clientProto, clientCfg)
	if err != nil {
		return nil, err
	}
	defer clients.Close()

	err = clients.RunTillReady(ctx)
	if err != nil {
		return nil, o.fail("client", netbench.ClientReady, err)
	}

	// Start all server drivers as close to simultaneously as possible;
	// skew here distorts the measurement. The tick hooks keep the
	// operator informed during long stages.
	err = servers.RunTillState(ctx, serverProto.WorkersRunningState(),
		o.progressTick("server", servers))
	if err != nil {
		return nil, o.fail("server", netbench.ServerWorkersRunning, err)
	}

	trafficStarted := time.Now()
	o.log.Info("benchmark traffic running")

	// Clients finish on their own once their workload completes.
	err = clients.RunTillState(ctx, clientProto.DoneState(),
		o.progressTick("client", clients))
	if err != nil {
		return nil, o.fail("client", netbench.ClientDone, err)
	}

	report.TrafficDuration = time.Since(trafficStarted)

	// Servers host traffic forever; stop them explicitly.
	err = servers.RunTillState(ctx, serverProto.DoneState(),
		o.progressTick("server", servers))
	if err != nil {
		return nil, o.fail("server", netbench.ServerDone, err)
	}

	report.TotalDuration = time.Since(started)
	report.finish(servers, clients)

	path, err := report.Write(o.cfg.ReportDir)
	if err != nil {
		return nil, err
	}
	o.log.Info("run complete",
		zap.Duration("traffic", report.TrafficDuration),
		zap.String("report", path))

	return report, nil
}

// prepareHosts launches every remote worker over SSH before the
// coordinators start dialing.
func (o *Orchestrator) prepareHosts(ctx context.Context) error {
	prov, err := provision.New(o.cfg.SSH)
	if err != nil {
		return err
	}

	launches := make([]provision.WorkerLaunch, 0,
		len(o.cfg.ServerWorkers)+len(o.cfg.ClientWorkers))

	for _, h := range o.cfg.ServerWorkers {
		launches = append(launches, provision.WorkerLaunch{
			Host: h.Host,
			Args: []string{
				"worker", "server",
				"--port", strconv.Itoa(h.Port),
				"--driver", o.cfg.Driver,
				"--scenario", o.cfg.Scenario,
				"--netbench-port", strconv.Itoa(o.cfg.NetbenchPort),
			},
		})
	}

	for _, h := range o.cfg.ClientWorkers {
		args := []string{
			"worker", "client",
			"--port", strconv.Itoa(h.Port),
			"--driver", o.cfg.Driver,
			"--scenario", o.cfg.Scenario,
		}
		for _, server := range o.cfg.NetbenchServerAddrs() {
			args = append(args, "--server", server)
		}
		launches = append(launches, provision.WorkerLaunch{Host: h.Host, Args: args})
	}

	return prov.PrepareHosts(ctx, o.cfg.Driver, launches)
}

const progressLogInterval = 30 * time.Second

// progressTick builds a polling hook that periodically logs how far each
// worker has come, so a long stage shows movement instead of silence.
func (o *Orchestrator) progressTick(protocol string, coord *russula.Coordinator) func() {
	return progressLogger(o.log.With(zap.String("protocol", protocol)),
		progressLogInterval, coord.PeerStates)
}

func progressLogger(log *zap.Logger, interval time.Duration, peerStates func() map[string]russula.State) func() {
	last := time.Now()
	return func() {
		if time.Since(last) < interval {
			return
		}
		log.Info("waiting for workers", zap.Any("states", stateTags(peerStates())))
		last = time.Now()
	}
}

func (o *Orchestrator) fail(protocol, state string, err error) error {
	o.log.Error("run aborted",
		zap.String("protocol", protocol),
		zap.String("missed_state", state),
		zap.Error(err))
	return fmt.Errorf("%s protocol failed to reach %s: %w", protocol, state, err)
}
