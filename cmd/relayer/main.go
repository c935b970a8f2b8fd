package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/app/relayer"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to an optional YAML file of environment defaults")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := relayer.NewServer(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Relayer exited with error: %v\n", err)
		os.Exit(1)
	}
}
