package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/pipebroker/internal/config"
	"github.com/spf13/pflag"
)

// cliOptions are command-line settings layered over the config file.
type cliOptions struct {
	ConfigPath  string
	TargetAddr  string
	ClientAddr  string
	AdminAddr   string
	AssignPipe  bool
	Recipient   string
	LogLevel    string
	PrintConfig bool
	Help        bool

	flags *pflag.FlagSet
}

func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	var opts cliOptions
	fs := pflag.NewFlagSet("pipebroker", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "path to pipebroker TOML config (defaults apply when empty)")
	fs.StringVar(&opts.TargetAddr, "target-addr", "", "override target.addr")
	fs.StringVar(&opts.ClientAddr, "client-addr", "", "override client.addr")
	fs.StringVar(&opts.AdminAddr, "admin-addr", "", "override admin.addr (empty disables the admin API)")
	fs.BoolVar(&opts.AssignPipe, "assign-pipe", false, "override client.assign_pipe")
	fs.StringVar(&opts.Recipient, "notify-recipient", "", "override client.notify_recipient")
	fs.StringVar(&opts.LogLevel, "log-level", "", "override log.level")
	fs.BoolVar(&opts.PrintConfig, "print-config", false, "print the effective config and exit")
	fs.BoolVarP(&opts.Help, "help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			opts.Help = true
			opts.flags = fs
			return opts, nil
		}
		return cliOptions{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return cliOptions{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	opts.flags = fs
	return opts, nil
}

func (o cliOptions) changed(name string) bool {
	return o.flags != nil && o.flags.Changed(name)
}

// resolveConfig loads the config file (or defaults) and applies flag overrides.
func resolveConfig(opts cliOptions) (config.Config, error) {
	var cfg config.Config
	if path := strings.TrimSpace(opts.ConfigPath); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		cfg.Admin.Token = strings.TrimSpace(os.Getenv(config.EnvAdminToken))
	}

	if opts.changed("target-addr") {
		cfg.Target.Addr = strings.TrimSpace(opts.TargetAddr)
	}
	if opts.changed("client-addr") {
		cfg.Client.Addr = strings.TrimSpace(opts.ClientAddr)
	}
	if opts.changed("admin-addr") {
		cfg.Admin.Addr = strings.TrimSpace(opts.AdminAddr)
	}
	if opts.changed("assign-pipe") {
		cfg.Client.AssignPipe = opts.AssignPipe
	}
	if opts.changed("notify-recipient") {
		cfg.Client.NotifyRecipient = strings.TrimSpace(opts.Recipient)
	}
	if opts.changed("log-level") {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(opts.LogLevel))
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, fmt.Errorf("pipebroker config: %w", err)
	}
	return cfg, nil
}

func printHelp(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, `pipebroker pairs target and client TCP connections by pipe and relays
bytes between them.

Usage:
  pipebroker [flags]

Flags:
%s`, fs.FlagUsages())
}
