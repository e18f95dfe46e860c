package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"munet/api"
	"munet/pkg/config"
	"munet/pkg/logx"
	"munet/pkg/topo"
)

var (
	flagConfig       string
	flagLogLevel     string
	flagRundir       string
	flagNoInteract   bool
	flagTopologyOnly bool
	flagCleanup      string
	flagFailOnExit   bool
	flagEngineHost   string
)

var rootCmd = &cobra.Command{
	Use:   "munet",
	Short: "Run declarative virtual network topologies",
	Long: `munet builds and runs a declarative virtual network topology on
this host: namespaces, bridges, veth links, traffic control, and the
per-node processes, all from one munet.{json,yaml,toml} file.

Needs CAP_SYS_ADMIN; run under sudo.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

// Execute runs the driver and maps the failure kind onto the documented
// exit codes.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "munet: %v\n", err)
		return api.KindOf(err).ExitCode()
	}
	return 0
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "config file or stem (default probes munet.{json,yaml,toml})")
	pf.StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn or error")
	pf.StringVar(&flagRundir, "rundir", "/var/run/munet", "runtime directory for state and logs")
	rootCmd.Flags().BoolVar(&flagNoInteract, "no-interactive", false, "do not attach the command hook")
	rootCmd.Flags().BoolVar(&flagTopologyOnly, "topology-only", false, "build the topology and idle until signalled")
	rootCmd.Flags().StringVar(&flagCleanup, "cleanup", "", "tear down the named previous run and exit")
	rootCmd.Flags().BoolVar(&flagFailOnExit, "fail-on-exit", false, "tear down when the first node command exits non-zero")
	rootCmd.Flags().StringVar(&flagEngineHost, "engine-host", "", "container engine socket override")

	viper.SetEnvPrefix("MUNET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("rundir", pf.Lookup("rundir"))
	_ = viper.BindPFlag("config_dir", pf.Lookup("config"))
}

// searchPath honours MUNET_CONFIG_DIR before the working directory.
func searchPath() []string {
	if d := viper.GetString("config_dir"); d != "" && flagConfig == "" {
		if fi, err := os.Stat(d); err == nil && fi.IsDir() {
			return []string{d, "."}
		}
	}
	return []string{"."}
}

func runtimeDir() string {
	return viper.GetString("rundir")
}

func run(ctx context.Context) error {
	log, err := logx.New(flagLogLevel)
	if err != nil {
		return api.WrapErr(api.ErrConfigInvalid, err, "log level")
	}
	defer log.Sync()

	if flagCleanup != "" {
		return topo.CleanupRun(ctx, runtimeDir(), flagCleanup, log)
	}

	if os.Geteuid() != 0 {
		return api.Errorf(api.ErrPermissionDenied,
			"building topologies needs CAP_SYS_ADMIN; run under sudo")
	}

	loader, err := config.NewLoader(nil, log)
	if err != nil {
		return err
	}
	cfg, err := loader.Load(flagConfig, searchPath())
	if err != nil {
		return err
	}
	log.Infof("loaded %s", cfg.Pathname)

	stem := strings.TrimSuffix(filepath.Base(cfg.Pathname), filepath.Ext(cfg.Pathname))
	runID := fmt.Sprintf("%s-%d", stem, os.Getpid())
	rundir := filepath.Join(runtimeDir(), runID)
	if err := os.MkdirAll(rundir, 0o755); err != nil {
		return api.WrapErr(api.ErrInternal, err, "creating %s", rundir)
	}

	m, err := topo.New(cfg, topo.Options{
		RunID:      runID,
		Rundir:     rundir,
		StateDir:   runtimeDir(),
		EngineHost: flagEngineHost,
		FailOnExit: flagFailOnExit,
		CLIHook:    !flagNoInteract,
		Log:        log,
	})
	if err != nil {
		return err
	}

	if err := m.Up(ctx); err != nil {
		return err
	}
	log.Infof("topology %s is up, rundir %s", runID, rundir)

	// Teardown always runs, whatever path got us out of steady state.
	defer func() {
		for _, terr := range m.Teardown(context.Background()) {
			log.Warnf("teardown: %v", terr)
		}
	}()

	if flagTopologyOnly {
		<-ctx.Done()
		return api.Errorf(api.ErrCancelled, "signal received")
	}
	return m.Run(ctx)
}
