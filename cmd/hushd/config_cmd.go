package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/hushd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage hushd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.hushd/config.yaml"
	if dir, err := hushd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, hushd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default hushd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := hushd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, hushd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	SecretFile        string `yaml:"secret-file"`
	Name              string `yaml:"name"`
	MaxUses           int    `yaml:"max-uses"`
	MaxFailed         int    `yaml:"max-failed"`
	TokenLength       int    `yaml:"token-length"`
	BindIP            string `yaml:"bind-ip"`
	Port              int    `yaml:"port"`
	ExhaustedRequests string `yaml:"exhausted-requests"`
	Watch             bool   `yaml:"watch"`
	StdinMax          string `yaml:"stdin-max"`
	DrainGrace        string `yaml:"drain-grace"`
	ShutdownTimeout   string `yaml:"shutdown-timeout"`
	MetricsListen     string `yaml:"metrics-listen"`
	PprofListen       string `yaml:"pprof-listen"`
	OTLPEndpoint      string `yaml:"otlp-endpoint"`
	LogLevel          string `yaml:"log-level"`
	Quiet             bool   `yaml:"quiet"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		SecretFile:        "",
		Name:              "",
		MaxUses:           hushd.DefaultMaxUses,
		MaxFailed:         hushd.DefaultMaxFailedAttempts,
		TokenLength:       hushd.DefaultTokenLength,
		BindIP:            "",
		Port:              hushd.DefaultPort,
		ExhaustedRequests: hushd.ExhaustedRequestsCount,
		Watch:             true,
		StdinMax:          humanizeBytes(hushd.DefaultStdinMaxBytes),
		DrainGrace:        hushd.DefaultDrainGrace.String(),
		ShutdownTimeout:   hushd.DefaultShutdownTimeout.String(),
		MetricsListen:     hushd.DefaultMetricsListen,
		PprofListen:       hushd.DefaultPprofListen,
		OTLPEndpoint:      "",
		LogLevel:          "info",
		Quiet:             false,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
