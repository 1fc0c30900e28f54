// Command worker consumes the event queue and executes event definitions
// out of process. Run it alongside the server when the executor backend
// is amqp.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kairon-chat/kairon/pkg/app"
	"github.com/kairon-chat/kairon/pkg/config"
	"github.com/kairon-chat/kairon/pkg/events"
	"github.com/kairon-chat/kairon/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	container, err := app.NewContainer(cfg)
	if err != nil {
		return err
	}
	defer container.Close()

	worker, err := events.NewWorker(cfg.Events.AMQPURL, cfg.Events.Queue, container.Definitions)
	if err != nil {
		return err
	}
	defer worker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.InfoCF("main", "Worker started", map[string]interface{}{
		"queue": cfg.Events.Queue,
	})
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.InfoC("main", "Worker stopped")
	return nil
}
