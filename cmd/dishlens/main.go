package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aquamarinepk/aqm"
)

const (
	appName      = "dishlens"
	appVersion   = "0.1.0"
	appNamespace = "DISHLENS"
)

func main() {
	// Flags are parsed by cobra; the config only carries file and env values.
	config, err := aqm.LoadConfig(appNamespace, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := config.GetStringOrDef("log.level", "error")
	c := newCLI(config, aqm.NewLogger(logLevel), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(c).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
