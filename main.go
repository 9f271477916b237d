package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Melody/internal"
	"github.com/hbomb79/Melody/pkg/logger"
)

var log = logger.Get("Bootstrap")

// main is the entry point to the program. The configuration is loaded
// from the path given by the -config flag (if the file exists) and the
// environment, after which Melody runs until it receives SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML configuration file")
	flag.Parse()

	config := internal.MelodyConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.SetMinLoggingLevel(logger.ParseLevel(config.LogLevel).Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Melody stopped due to error: %v\n", err)
		stop()
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Melody shutdown complete\n")
}
