package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"netbench-orchestrator/config"
	"netbench-orchestrator/orchestrator"
	"netbench-orchestrator/russula"
	"netbench-orchestrator/russula/netbench"
)

func prepareLogger() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := cfg.Build()

	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to produce a logger: %s\n", err.Error())
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
}

// signalContext cancels the run on operator interrupt; coordinators close
// their connections and workers fail safe.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		zap.L().Warn("interrupted, aborting run")
		cancel()
	}()

	return ctx
}

type coordinatorFlags struct {
	peers        []string
	pollDelay    time.Duration
	stateTimeout time.Duration
	dialAttempts uint
	runFor       time.Duration
}

func (f *coordinatorFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.peers, "peer", nil, "worker coordination address (repeatable)")
	cmd.Flags().DurationVar(&f.pollDelay, "poll-delay", time.Second, "polling cadence")
	cmd.Flags().DurationVar(&f.stateTimeout, "state-timeout", 5*time.Minute, "budget per coordination stage")
	cmd.Flags().UintVar(&f.dialAttempts, "dial-attempts", 10, "connection retries per worker")
	cmd.MarkFlagRequired("peer")
}

func (f *coordinatorFlags) config() russula.CoordinatorConfig {
	return russula.CoordinatorConfig{
		Peers:        f.peers,
		PollDelay:    f.pollDelay,
		StateTimeout: f.stateTimeout,
		DialAttempts: f.dialAttempts,
	}
}

type workerFlags struct {
	port         int
	pollDelay    time.Duration
	driver       string
	scenario     string
	netbenchPort int
	servers      []string
	logDir       string
	testing      bool
}

func (f *workerFlags) register(cmd *cobra.Command, server bool) {
	cmd.Flags().IntVar(&f.port, "port", 0, "coordination port to listen on")
	cmd.Flags().DurationVar(&f.pollDelay, "poll-delay", time.Second, "polling cadence")
	cmd.Flags().StringVar(&f.driver, "driver", "", "path to the netbench driver binary")
	cmd.Flags().StringVar(&f.scenario, "scenario", "", "path to the scenario description file")
	cmd.Flags().StringVar(&f.logDir, "log-dir", ".", "directory for benchmark process logs")
	cmd.Flags().BoolVar(&f.testing, "testing", false, "run a stand-in process instead of the netbench driver")
	cmd.MarkFlagRequired("port")

	if server {
		cmd.Flags().IntVar(&f.netbenchPort, "netbench-port", 4433, "port the server driver accepts traffic on")
	} else {
		cmd.Flags().StringSliceVar(&f.servers, "server", nil, "netbench server traffic address (repeatable)")
	}
}

func (f *workerFlags) validate() error {
	if !f.testing && (f.driver == "" || f.scenario == "") {
		return fmt.Errorf("--driver and --scenario are required outside testing mode")
	}
	return nil
}

func runWorker(ctx context.Context, proto russula.WorkerProtocol, port int, pollDelay time.Duration) error {
	worker := russula.NewWorker(proto, fmt.Sprintf(":%d", port), rate.Every(pollDelay))
	return worker.Run(ctx)
}

func workerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker role on a benchmark host",
	}

	var serverFlags workerFlags
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Coordinate a netbench server driver process",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := serverFlags.validate()
			if err != nil {
				return err
			}

			proto := netbench.NewServerWorker(netbench.ServerContext{
				ID:           strconv.Itoa(serverFlags.port),
				DriverPath:   serverFlags.driver,
				ScenarioPath: serverFlags.scenario,
				NetbenchPort: serverFlags.netbenchPort,
				LogDir:       serverFlags.logDir,
				Testing:      serverFlags.testing,
			})
			return runWorker(cmd.Context(), proto, serverFlags.port, serverFlags.pollDelay)
		},
	}
	serverFlags.register(serverCmd, true)

	var clientFlags workerFlags
	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Coordinate a netbench client driver process",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := clientFlags.validate()
			if err != nil {
				return err
			}

			proto := netbench.NewClientWorker(netbench.ClientContext{
				ID:           strconv.Itoa(clientFlags.port),
				DriverPath:   clientFlags.driver,
				ScenarioPath: clientFlags.scenario,
				Servers:      clientFlags.servers,
				LogDir:       clientFlags.logDir,
				Testing:      clientFlags.testing,
			})
			return runWorker(cmd.Context(), proto, clientFlags.port, clientFlags.pollDelay)
		},
	}
	clientFlags.register(clientCmd, false)

	cmd.AddCommand(serverCmd, clientCmd)
	return cmd
}

func coordinatorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Drive remote workers through a coordination protocol",
	}

	var serverFlags coordinatorFlags
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Drive netbench server workers: ready, running, then stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			proto := netbench.ServerCoordinator{}

			coord, err := russula.NewCoordinator(ctx, proto, serverFlags.config())
			if err != nil {
				return err
			}
			defer coord.Close()

			err = coord.RunTillReady(ctx)
			if err != nil {
				return err
			}

			err = coord.RunTillState(ctx, proto.WorkersRunningState(), nil)
			if err != nil {
				return err
			}

			if serverFlags.runFor > 0 {
				zap.L().Info("servers running, holding traffic",
					zap.Duration("run_for", serverFlags.runFor))
				select {
				case <-time.After(serverFlags.runFor):
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			return coord.RunTillDone(ctx)
		},
	}
	serverFlags.register(serverCmd)
	serverCmd.Flags().DurationVar(&serverFlags.runFor, "run-for", 0, "how long to keep servers running before stopping them")

	var clientFlags coordinatorFlags
	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Drive netbench client workers and wait for them to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			coord, err := russula.NewCoordinator(ctx, netbench.ClientCoordinator{}, clientFlags.config())
			if err != nil {
				return err
			}
			defer coord.Close()

			err = coord.RunTillReady(ctx)
			if err != nil {
				return err
			}
			return coord.RunTillDone(ctx)
		},
	}
	clientFlags.register(clientCmd)

	cmd.AddCommand(serverCmd, clientCmd)
	return cmd
}

func runCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stage a full netbench run from a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Parse(configPath)
			if err != nil {
				return err
			}

			_, err = orchestrator.New(cfg).Run(cmd.Context())
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the orchestrator configuration file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func main() {
	prepareLogger()
	defer zap.L().Sync()

	root := &cobra.Command{
		Use:           "netbench-orchestrator",
		Short:         "Coordinate distributed netbench runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand(), coordinatorCommand(), workerCommand())

	err := root.ExecuteContext(signalContext())
	if err != nil {
		zap.L().Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}
