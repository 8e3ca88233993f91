package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/hushd"
	"pkt.systems/hushd/internal/resource"
	"pkt.systems/hushd/internal/session"
	"pkt.systems/hushd/internal/svcfields"
	"pkt.systems/pslog"
)

// Exit codes beyond the usual 0/1: abuse shutdowns and lost resources get
// their own codes so wrapping scripts can tell a burned secret from a
// delivered one.
const (
	exitAbuseLimit   = 2
	exitResourceLost = 3
)

type exitCodeError struct {
	code   int
	reason session.StopReason
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("stopped: %s", e.reason)
}

func exitCodeForReason(reason session.StopReason) int {
	switch reason {
	case session.ReasonAbuseLimit:
		return exitAbuseLimit
	case session.ReasonResourceLost:
		return exitResourceLost
	default:
		return 0
	}
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("HUSHD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "hushd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	_, err := cmd.ExecuteContextC(ctx)
	return exitCodeForError(err, os.Stderr)
}

// exitCodeForError maps a root command error to the process exit code. A
// cancelled context is an interrupt the operator asked for, so it exits 0
// even when it fires before the server became ready.
func exitCodeForError(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	if errors.Is(err, context.Canceled) {
		return 0
	}
	fmt.Fprintf(stderr, "%s\n", err)
	return 1
}

// humanizeBytes renders n in binary units without a space, so the string
// parses back to the exact value with humanize.ParseBytes.
func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := hushd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, hushd.DefaultConfigFileName)
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

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg hushd.Config
	cmd := &cobra.Command{
		Use:           "hushd",
		Short:         "hushd shares one secret over HTTP at an unguessable path, then exits",
		SilenceErrors: true,
		Example: `
  # Share a file once; the URL is printed on stdout
  hushd --secret-file ./id_ed25519.pub

  # Pipe a secret in, allow three downloads
  pass show wifi | hushd --max-uses 3

  # Quiet mode for scripting: stdout carries only the URL
  URL=$(echo "$TOKEN" | hushd -q)

  # Pin the advertised address and port
  hushd -s ./bundle.tgz --bind-ip 192.168.1.10 --port 8080
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}

			if err := bindConfig(&cfg, cmd); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if viper.GetBool("quiet") {
				logLevel = "error"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			serverOpts := []hushd.Option{hushd.WithLogger(logger)}
			if cfg.StdinMode() {
				responder, err := readStdinSecret(cfg.Name, viper.GetString("stdin-max"))
				if err != nil {
					return err
				}
				serverOpts = append(serverOpts, hushd.WithResponder(responder))
			}

			server, err := hushd.NewServer(cfg, serverOpts...)
			if err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				// A second interrupt while draining slams connections shut.
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				go func() {
					<-sig
					cliLogger.Warn("second interrupt, aborting drain")
					server.ForceClose()
					signal.Stop(sig)
				}()
				timeout := cfg.ShutdownTimeout
				if timeout <= 0 {
					timeout = hushd.DefaultShutdownTimeout
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
				signal.Stop(sig)
			}()

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()
			readyCtx, cancelReady := context.WithTimeout(ctx, 30*time.Second)
			defer cancelReady()
			select {
			case err := <-errCh:
				if err == nil {
					err = errors.New("server stopped before becoming ready")
				}
				return err
			case <-readyCtx.Done():
				if ctx.Err() != nil {
					return context.Canceled
				}
				return fmt.Errorf("server not ready: %w", readyCtx.Err())
			case <-serverReady(server):
			}

			// The URL is the only stdout output so scripts can capture it.
			fmt.Fprintln(cmd.OutOrStdout(), server.ShareURL())

			if err := <-errCh; err != nil {
				return err
			}
			reason := server.StopReason()
			if code := exitCodeForReason(reason); code != 0 {
				return &exitCodeError{code: code, reason: reason}
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.hushd/"+hushd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.StringP("secret-file", "s", "", "file to share (omit or use '-' to read the secret from stdin)")
	flags.IntP("max-uses", "u", hushd.DefaultMaxUses, "successful deliveries before the server shuts down")
	flags.IntP("max-failed", "f", hushd.DefaultMaxFailedAttempts, "unmatched requests tolerated before shutting down")
	flags.IntP("token-length", "l", hushd.DefaultTokenLength, "random URL token length")
	flags.String("bind-ip", "", "IP address to bind and advertise (auto-discovers a LAN address when empty)")
	flags.IntP("port", "p", hushd.DefaultPort, "listen port (0 asks the kernel)")
	flags.String("name", "", "filename segment of the share URL (defaults to the file's basename, or "+hushd.DefaultStdinName+" for stdin)")
	flags.String("exhausted-requests", hushd.ExhaustedRequestsCount, fmt.Sprintf("whether matched requests after exhaustion count toward the abuse limit (%s)", strings.Join(hushd.ValidExhaustedRequestsPolicies(), ", ")))
	flags.Bool("watch", true, "shut down if the secret file is removed, renamed, or rewritten (file mode only)")
	flags.String("stdin-max", humanizeBytes(hushd.DefaultStdinMaxBytes), "maximum piped secret size")
	flags.Duration("drain-grace", hushd.DefaultDrainGrace, "grace period for in-flight deliveries during shutdown")
	flags.Duration("shutdown-timeout", hushd.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.String("metrics-listen", hushd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", hushd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.BoolP("quiet", "q", false, "print only the share URL on stdout")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = flags.Lookup(name); flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("HUSHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"secret-file", "max-uses", "max-failed", "token-length", "bind-ip", "port", "name",
		"exhausted-requests", "watch", "stdin-max", "drain-grace", "shutdown-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"log-level", "quiet",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *hushd.Config, cmd *cobra.Command) error {
	cfg.SecretFile = viper.GetString("secret-file")
	cfg.Name = viper.GetString("name")
	cfg.MaxUses = viper.GetInt("max-uses")
	cfg.MaxFailedAttempts = viper.GetInt("max-failed")
	cfg.TokenLength = viper.GetInt("token-length")
	cfg.BindIP = viper.GetString("bind-ip")
	cfg.Port = viper.GetInt("port")
	cfg.ExhaustedRequests = viper.GetString("exhausted-requests")
	cfg.Watch = viper.GetBool("watch")
	if f := cmd.Flags().Lookup("watch"); f != nil && f.Changed {
		cfg.WatchSet = true
	} else if viper.InConfig("watch") {
		cfg.WatchSet = true
	} else if _, ok := os.LookupEnv("HUSHD_WATCH"); ok {
		cfg.WatchSet = true
	}
	cfg.DrainGrace = viper.GetDuration("drain-grace")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

// readStdinSecret buffers piped input as the shared resource. Refuses to run
// interactively: a terminal on stdin means nothing was piped.
func readStdinSecret(name, maxSpec string) (resource.Responder, error) {
	if name == "" {
		name = hushd.DefaultStdinName
	}
	maxBytes := int64(hushd.DefaultStdinMaxBytes)
	if spec := strings.TrimSpace(maxSpec); spec != "" {
		size, err := humanize.ParseBytes(spec)
		if err != nil {
			return nil, fmt.Errorf("parse stdin-max: %w", err)
		}
		maxBytes = int64(size)
	}
	info, err := os.Stdin.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat stdin: %w", err)
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return nil, errors.New("no secret: pipe input to stdin or use --secret-file")
	}
	return resource.ReadBuffer(name, os.Stdin, maxBytes)
}

func serverReady(srv *hushd.Server) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		_ = srv.WaitUntilReady(context.Background())
		close(ch)
	}()
	return ch
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
