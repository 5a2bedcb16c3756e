package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/saiset-co/kpulse/config"
	"github.com/saiset-co/kpulse/service"
)

func main() {
	defaultPath := os.Getenv("KPULSE_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yml"
	}

	configPath := flag.String("config", defaultPath, "path to the YAML configuration file")
	flag.Parse()

	mainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.NewConfigurationManager(mainCtx, *configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	app, err := service.NewApp(mainCtx, cfg)
	if err != nil {
		fmt.Printf("Failed to create service: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Printf("Service stopped with error: %v\n", err)
		os.Exit(1)
	}
}
