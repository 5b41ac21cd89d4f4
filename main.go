package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/varkey/ferryman/internal"
	"github.com/varkey/ferryman/pkg/logger"
)

var log = logger.Get("Main")

// main is the entry point to the program. It loads the user's Ferryman
// configuration, constructs the daemon and runs it until an interrupt
// arrives or a service crash brings it down.
func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	verbose := flag.Bool("verbose", false, "lower the logging threshold to include debug and verbose output")
	flag.Parse()

	if *verbose {
		logger.SetMinLoggingLevel(logger.VERBOSE.Level())
	}

	config := internal.FerrymanConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Ferryman stopped due to error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Ferryman stopped\n")
}

// defaultConfigPath resolves the conventional per-user config location,
// falling back to the working directory when the home dir is unknown.
func defaultConfigPath() string {
	path, err := homedir.Expand("~/.config/ferryman/config.yaml")
	if err != nil {
		return "config.yaml"
	}

	return path
}
