package main

import (
	"fmt"
	"io"
	"os"

	"github.com/danmuck/pipebroker/internal/config"
	"github.com/spf13/pflag"
)

const defaultPath = "pipebroker.toml"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	kind := fs.String("kind", "broker", "template kind: broker|effective")
	output := fs.StringP("output", "o", defaultPath, "output path for config template ('-' for stdout)")
	validate := fs.Bool("validate", false, "validate an existing config file")
	input := fs.StringP("input", "i", defaultPath, "config path for validation")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if *validate {
		if _, err := config.Load(*input); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Validated config at %s\n", *input)
		return nil
	}

	if *output == "-" {
		template, err := config.Template(*kind)
		if err != nil {
			return err
		}
		_, err = io.WriteString(stdout, template)
		return err
	}
	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s config template to %s\n", *kind, *output)
	return nil
}
