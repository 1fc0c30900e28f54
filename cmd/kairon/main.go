// Command kairon runs the conversational platform: channel webhooks, the
// agent dispatcher, the event server and the schedule poller in one
// process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kairon-chat/kairon/pkg/app"
	"github.com/kairon-chat/kairon/pkg/config"
	"github.com/kairon-chat/kairon/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "kairon:", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.InfoCF("main", "Starting kairon", map[string]interface{}{
		"executor": cfg.Events.Executor,
	})
	if err := container.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.InfoC("main", "Shutdown complete")
	return nil
}
