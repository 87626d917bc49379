package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/codalab-worker/pkg/cache"
	"github.com/cuemby/codalab-worker/pkg/client"
	"github.com/cuemby/codalab-worker/pkg/containerdsup"
	"github.com/cuemby/codalab-worker/pkg/gateway"
	"github.com/cuemby/codalab-worker/pkg/healthsrv"
	"github.com/cuemby/codalab-worker/pkg/localsched"
	"github.com/cuemby/codalab-worker/pkg/log"
	"github.com/cuemby/codalab-worker/pkg/materialize"
	"github.com/cuemby/codalab-worker/pkg/runtime"
	"github.com/cuemby/codalab-worker/pkg/security"
	"github.com/cuemby/codalab-worker/pkg/state"
	"github.com/cuemby/codalab-worker/pkg/types"
	"github.com/cuemby/codalab-worker/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "CodaLab bundle worker",
	Long: `worker runs bundles for a CodaLab-style bundle service: it checks
in over HTTP, pulls dependencies and images into local caches, executes
bundles under containerd, and streams results back.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gatewayCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print worker version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("worker version %s (%s)\n", Version, Commit)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker loop",
	Long: `run starts the worker's single tick loop: advance every active run,
check in with the bundle service, and dispatch whatever command comes
back. It blocks until interrupted.`,
	RunE: runWorker,
}

func init() {
	runCmd.Flags().String("worker-id", "", "Unique worker ID (required)")
	runCmd.Flags().String("tag", "", "Worker tag used to match bundle resource requests")
	runCmd.Flags().String("data-dir", "./worker-data", "Data directory for caches, run workspaces, and checkpointed state")
	runCmd.Flags().String("service-addr", "", "Bundle service base URL, e.g. https://bundles.example.com (required)")
	runCmd.Flags().String("cert-dir", "./certs", "Directory holding client.crt/client.key/ca.crt for mTLS to the bundle service")
	runCmd.Flags().Int("cpus", 1, "CPU cores this worker makes available to bundles")
	runCmd.Flags().Int("gpus", 0, "GPU count this worker makes available to bundles")
	runCmd.Flags().Int64("memory-bytes", 2<<30, "Memory this worker makes available to bundles")
	runCmd.Flags().Int64("dependency-quota-bytes", 10<<30, "Size quota for the dependency cache")
	runCmd.Flags().Int64("image-quota-bytes", 20<<30, "Size quota for the image cache")
	runCmd.Flags().String("containerd-socket", "", "containerd socket path (auto-detected if not specified)")
	runCmd.Flags().Bool("external-containerd", false, "Use the host's system containerd instead of an embedded one")
	runCmd.Flags().String("health-addr", "127.0.0.1:9091", "Address for the worker's own /health, /ready, /metrics endpoints")
	runCmd.MarkFlagRequired("worker-id")
	runCmd.MarkFlagRequired("service-addr")
}

func runWorker(cmd *cobra.Command, args []string) error {
	workerID, _ := cmd.Flags().GetString("worker-id")
	tag, _ := cmd.Flags().GetString("tag")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	serviceAddr, _ := cmd.Flags().GetString("service-addr")
	certDir, _ := cmd.Flags().GetString("cert-dir")
	cpus, _ := cmd.Flags().GetInt("cpus")
	gpus, _ := cmd.Flags().GetInt("gpus")
	memoryBytes, _ := cmd.Flags().GetInt64("memory-bytes")
	depQuota, _ := cmd.Flags().GetInt64("dependency-quota-bytes")
	imgQuota, _ := cmd.Flags().GetInt64("image-quota-bytes")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
	useExternal, _ := cmd.Flags().GetBool("external-containerd")
	healthAddr, _ := cmd.Flags().GetString("health-addr")

	logger := log.WithWorkerID(workerID)

	sup := containerdsup.New(filepath.Join(dataDir, "containerd"), containerdSocket, "", useExternal)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start containerd: %w", err)
	}
	defer sup.Stop()

	rt, err := runtime.NewContainerdRuntime(sup.ResolvedSocketPath())
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer rt.Close()

	svc, err := client.New(serviceAddr, workerID, certDir)
	if err != nil {
		return fmt.Errorf("build bundle service client: %w", err)
	}

	gpuIDs := make([]string, gpus)
	for i := range gpuIDs {
		gpuIDs[i] = fmt.Sprintf("%d", i)
	}
	sched := localsched.New(cpus, gpuIDs, memoryBytes)

	if err := os.MkdirAll(filepath.Join(dataDir, "state"), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	depCommitter := state.New[map[string]types.CacheEntry](filepath.Join(dataDir, "state", "dependencies.json"))
	depCache, err := cache.New(cache.Options[types.DependencyKey]{
		Name:       "dependency",
		WorkDir:    filepath.Join(dataDir, "dependencies"),
		QuotaBytes: depQuota,
		Committer:  depCommitter,
		KeyString: func(k types.DependencyKey) string { return k.String() },
		KeyParse:  cache.ParseDependencyKey,
		// The bundle service exposes no dependency-download endpoint in its
		// documented HTTP surface (checkin/start/finalize/bundle_contents/reply
		// only); a deployment wires its actual transport here.
		Fetch: func(ctx context.Context, key types.DependencyKey, destDir string, report cache.Reporter, shouldContinue cache.ShouldContinue) (int64, error) {
			return 0, fmt.Errorf("dependency fetch: no download transport configured")
		},
	})
	if err != nil {
		return fmt.Errorf("build dependency cache: %w", err)
	}
	defer depCache.Stop()

	imgCommitter := state.New[map[string]types.CacheEntry](filepath.Join(dataDir, "state", "images.json"))
	imgCache, err := cache.NewImageCache(filepath.Join(dataDir, "images"), imgQuota, imagePuller{rt}, imgCommitter)
	if err != nil {
		return fmt.Errorf("build image cache: %w", err)
	}
	defer imgCache.Stop()

	stateCommitter := state.New[map[string]types.RunState](filepath.Join(dataDir, "state", "runs.json"))

	loop := worker.New(worker.Config{
		WorkerID: workerID,
		Tag:      tag,
		WorkDir:  dataDir,
		Version:  Version,
	}, worker.Deps{
		Service:      svc,
		Deps:         depCache,
		Images:       imgCache,
		Scheduler:    sched,
		Runtime:      rt,
		Materializer: materialize.New(),
		StateCommit:  stateCommitter,
	})

	if err := loop.LoadPersistedRuns(); err != nil {
		return fmt.Errorf("resume persisted runs: %w", err)
	}

	health := healthsrv.New(Version)
	go func() {
		if err := health.ListenAndServe(healthAddr); err != nil {
			logger.Error().Err(err).Msg("health server exited")
		}
	}()
	logger.Info().Str("addr", healthAddr).Msg("health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		loop.Stop()
		cancel()
	}()

	logger.Info().Str("service", serviceAddr).Int("cpus", cpus).Msg("worker starting")
	return loop.Run(ctx)
}

// imagePuller adapts a runtime.Runtime's PullImage to cache.ImagePuller.
// The underlying containerd pull has no progress callback, so report and
// shouldContinue go unused; the pull simply runs to completion or error.
type imagePuller struct {
	rt runtime.Runtime
}

func (p imagePuller) PullImage(ctx context.Context, ref string, report cache.Reporter, shouldContinue cache.ShouldContinue) (string, int64, error) {
	return p.rt.PullImage(ctx, ref)
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the ConnectionGateway relay",
	Long: `gateway runs the WebSocket relay that lets the bundle service reach
workers sitting behind NAT: workers dial out and hold a socket open, and
the service borrows it to exchange read/write/netcat/kill frames.`,
	RunE: runGateway,
}

func init() {
	gatewayCmd.Flags().String("addr", "0.0.0.0:8765", "Address to listen on")
	gatewayCmd.Flags().String("shared-secret", "", "Shared secret required of both workers and the bundle service")
}

func runGateway(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	sharedSecret, _ := cmd.Flags().GetString("shared-secret")

	gw := gateway.New(security.GatewayAuth{SharedSecret: sharedSecret})
	server := &http.Server{
		Addr:         addr,
		Handler:      gw.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		fmt.Println("shutting down gateway")
	case err := <-errCh:
		return fmt.Errorf("gateway server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
