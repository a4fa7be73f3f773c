package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/cfdp/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a cfdpd TOML config")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cfdpd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if err := NewService(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "cfdpd: %v\n", err)
		os.Exit(1)
	}
}
