// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command arflow is the adaptive routing agent. It probes candidate paths
// for every new tunnel flow, steers the flow onto the fastest one, and
// offloads the decision to the NIC.
package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/arflow/cmd"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: arflow [command] [flags]

Commands:
  run            start the agent (default)
  check-config   validate a configuration file
  version        print the version

Run "arflow <command> -h" for command flags.
`)
}

func main() {
	args := os.Args[1:]
	sub := "run"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		sub, args = args[0], args[1:]
	}

	var err error
	switch sub {
	case "run":
		err = runAgent(args)
	case "check-config":
		err = checkConfig(args)
	case "version":
		cmd.RunVersion()
	case "help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "arflow: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL config file")
	simMode := fs.Bool("sim", false, "Run against an in-memory network instead of NIC ports")
	logLevel := fs.String("log-level", "", "Override logging.level (debug, info, warn, error)")
	noShell := fs.Bool("no-shell", false, "Do not attach the shell to the terminal")
	_ = fs.Parse(args)

	return cmd.RunAgent(cmd.AgentOptions{
		ConfigPath: *configPath,
		Sim:        *simMode,
		LogLevel:   *logLevel,
		NoShell:    *noShell,
	})
}

func checkConfig(args []string) error {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to HCL config file")
	simMode := fs.Bool("sim", false, "Validate for sim mode, where ports are optional")
	printCfg := fs.Bool("print", false, "Print the effective configuration")
	_ = fs.Parse(args)
	if *configPath == "" && fs.NArg() > 0 {
		*configPath = fs.Arg(0)
	}

	return cmd.RunCheckConfig(*configPath, cmd.CheckOptions{Sim: *simMode, Print: *printCfg})
}
