package main

import (
	"flag"
	"fmt"
	"os"

	"order_pipeline/internal/bootstrap"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/pipeline.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pipeline_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configPath = envConfig
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("starting pipeline_server",
		"version", version,
		"config", *configPath)

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
