package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/jd3nn1s/skimmer/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var configPath = flag.String("config", "", "path to a .toml or .yaml configuration file")
var testMode = flag.Bool("testmode", false, "simulate the sensors and acknowledge commands in-process")
var printDecisions = flag.Bool("print-decisions", false, "print decisions to stdout")

func main() {
	log.SetLevel(log.InfoLevel)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal("unable to load configuration: ", err)
		}
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal("invalid log level: ", err)
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, options{testMode: *testMode, printDecisions: *printDecisions, out: os.Stdout})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	log.Info("shut down")
}
