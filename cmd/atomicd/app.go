package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/otamesh/atomic"
	"github.com/otamesh/atomic/collab"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("ATOMICD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "atomicd")

	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := atomic.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, atomic.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "atomicd",
		Short:         "atomicd coordinates atomic software updates across vehicle ECUs",
		SilenceErrors: true,
		Example: `
  # Primary, coordinating two secondaries
  atomicd --role primary --listen :7341 --peer ecu-1=10.0.0.1:7341 --peer ecu-2=10.0.0.2:7341 \
      --wal-dir /var/lib/atomicd/wal --payload-dir /var/lib/atomicd/staged --disable-mtls

  # Secondary fronting the local ECU's deb collaborator
  atomicd --role secondary --serial ecu-1 --listen :7341 --primary-addr 10.0.0.9:7341 \
      --wal-dir /var/lib/atomicd/wal --payload-dir /var/lib/atomicd/staged --backend deb --disable-mtls
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := logger.With("subsystem", "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg atomic.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = logger.With("subsystem", "cli.root")
			}

			cliLogger.Info("starting atomicd",
				"role", cfg.Role,
				"listen", cfg.Listen,
				"pid", os.Getpid(),
			)

			srv, err := atomic.NewServer(cfg, atomic.WithLogger(logger))
			if err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			if err := srv.Start(); err != nil {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.atomicd/"+atomic.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("role", "", "node role (primary or secondary), required")
	flags.String("listen", atomic.DefaultListen, "listen address")
	flags.String("serial", "", "this node's ECU serial (required for role=secondary)")
	flags.StringToString("peer", nil, "serial=address pairs this primary dials to reach each secondary (role=primary)")
	flags.String("primary-addr", "", "address this secondary dials to reach the primary (role=secondary)")
	flags.String("bundle", "", "path to mTLS bundle PEM (CA + leaf cert + key)")
	flags.Bool("disable-mtls", false, "run the transport without mutual TLS (trusted network segments only)")
	flags.String("wal-dir", "", "write-ahead log directory")
	flags.Int64("wal-segment-bytes", atomic.DefaultWALSegmentBytes, "maximum WAL segment size before rotation")
	flags.String("payload-dir", "", "staged payload chunk directory")
	flags.String("backend", string(collab.KindOff), fmt.Sprintf("update collaborator backend (%s)", strings.Join(collab.ValidKinds(), ", ")))
	chunkDefault := humanizeBytes(int64(atomic.DefaultChunkSize))
	frameDefault := humanizeBytes(int64(atomic.DefaultMaxFrameBytes))
	flags.String("chunk-size", chunkDefault, "payload chunk size streamed per Prepare frame")
	flags.String("max-frame-bytes", frameDefault, "maximum accepted wire frame size")
	flags.Duration("step-timeout", atomic.DefaultStepTimeout, "per-step ack timeout")
	flags.Duration("txn-timeout", atomic.DefaultTxnTimeout, "whole-transaction timeout")
	flags.Duration("registry-grace", atomic.DefaultRegistryGrace, "how long a terminal transaction lingers in the secondary registry")
	flags.Int("max-attempts", atomic.DefaultMaxAttempts, "maximum send attempts per step per secondary")
	flags.Duration("retry-base-delay", atomic.DefaultRetryBaseDelay, "initial backoff delay between send attempts")
	flags.Duration("retry-max-delay", atomic.DefaultRetryMaxDelay, "maximum backoff delay between send attempts")
	flags.Float64("retry-multiplier", atomic.DefaultRetryMultiplier, "backoff growth factor between send attempts")
	flags.Duration("recovery-query-timeout", atomic.DefaultRecoveryQueryTimeout, "how long a recovering secondary waits for the primary to answer a recovery query")
	flags.Duration("dial-timeout", atomic.DefaultDialTimeout, "peer dial timeout")
	flags.String("metrics-listen", atomic.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", atomic.DefaultPprofListen, "pprof listen address (debug endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint for traces (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("ATOMICD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "role", "listen", "serial", "peer", "primary-addr", "bundle", "disable-mtls",
		"wal-dir", "wal-segment-bytes", "payload-dir", "backend", "chunk-size", "max-frame-bytes",
		"step-timeout", "txn-timeout", "registry-grace", "max-attempts", "retry-base-delay",
		"retry-max-delay", "retry-multiplier", "recovery-query-timeout", "dial-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *atomic.Config) error {
	cfg.Role = atomic.Role(strings.ToLower(strings.TrimSpace(viper.GetString("role"))))
	cfg.Listen = viper.GetString("listen")
	cfg.Serial = atomic.Serial(viper.GetString("serial"))
	cfg.PrimaryAddr = viper.GetString("primary-addr")
	cfg.BundlePath = viper.GetString("bundle")
	cfg.DisableMTLS = viper.GetBool("disable-mtls")
	cfg.WALDir = viper.GetString("wal-dir")
	cfg.PayloadDir = viper.GetString("payload-dir")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")

	if peers := viper.GetStringMapString("peer"); len(peers) > 0 {
		cfg.Peers = make(map[string]string, len(peers))
		for serial, addr := range peers {
			cfg.Peers[serial] = addr
		}
	}

	kind, err := collab.ParseKind(viper.GetString("backend"))
	if err != nil {
		return fmt.Errorf("parse backend: %w", err)
	}
	cfg.Backend = kind

	if segment := viper.GetString("wal-segment-bytes"); segment != "" {
		if size, err := humanize.ParseBytes(segment); err == nil {
			cfg.WALSegmentBytes = int64(size)
		} else {
			cfg.WALSegmentBytes = viper.GetInt64("wal-segment-bytes")
		}
	}
	if chunk := viper.GetString("chunk-size"); chunk != "" {
		size, err := humanize.ParseBytes(chunk)
		if err != nil {
			return fmt.Errorf("parse chunk-size: %w", err)
		}
		cfg.ChunkSize = int(size)
	}
	if frame := viper.GetString("max-frame-bytes"); frame != "" {
		size, err := humanize.ParseBytes(frame)
		if err != nil {
			return fmt.Errorf("parse max-frame-bytes: %w", err)
		}
		cfg.MaxFrameBytes = int(size)
	}

	cfg.StepTimeout = viper.GetDuration("step-timeout")
	cfg.TxnTimeout = viper.GetDuration("txn-timeout")
	cfg.RegistryGrace = viper.GetDuration("registry-grace")
	cfg.MaxAttempts = viper.GetInt("max-attempts")
	cfg.RetryBaseDelay = viper.GetDuration("retry-base-delay")
	cfg.RetryMaxDelay = viper.GetDuration("retry-max-delay")
	cfg.RetryMultiplier = viper.GetFloat64("retry-multiplier")
	cfg.RecoveryQueryTimeout = viper.GetDuration("recovery-query-timeout")
	cfg.DialTimeout = viper.GetDuration("dial-timeout")

	if viper.IsSet("metrics-listen") {
		cfg.WithMetricsListen(viper.GetString("metrics-listen"))
	}
	if viper.IsSet("pprof-listen") {
		cfg.WithPprofListen(viper.GetString("pprof-listen"))
	}
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")

	return nil
}
