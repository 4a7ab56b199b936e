package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/config"
	"github.com/danmuck/amqpwire/internal/logging"
	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/amqpctl/config.toml", "amqpctl config path")
	profile := flag.String("profile", "", "broker profile name (overrides config)")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*configPath, *profile); err != nil {
		fmt.Fprintf(os.Stderr, "amqpctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, profileOverride string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCfg, err := loadRunConfig(configPath)
	if err != nil {
		return err
	}
	if profileOverride != "" {
		runCfg.Profile = profileOverride
	}
	profiles, err := config.LoadProfiles(runCfg.ProfilesPath)
	if err != nil {
		return err
	}
	profile, err := profiles.Profile(runCfg.Profile)
	if err != nil {
		return err
	}
	amqpCfg, err := profile.AMQPConfig()
	if err != nil {
		return err
	}
	observability.RegisterMetrics()

	closed := make(chan error, 1)
	amqpCfg.OnClosed = func(reason error) { closed <- reason }

	startedAt := time.Now()
	conn, err := amqp.Dial(ctx, amqpCfg)
	if err != nil {
		return fmt.Errorf("dial profile %q: %w", profile.Name, err)
	}
	log.Info().Msgf("amqpctl.run connected profile=%s %s", profile.Name, conn)

	for i := 0; i < runCfg.Channels; i++ {
		ch, err := conn.OpenChannel(ctx)
		if err != nil {
			_ = conn.CloseDefault()
			return fmt.Errorf("open channel: %w", err)
		}
		log.Info().Msgf("amqpctl.run channel=%d open", ch.Number())
	}

	adminCtx, stopAdmin := context.WithCancel(ctx)
	defer stopAdmin()
	adminErr := make(chan error, 1)
	if runCfg.AdminAddr != "" {
		router := newAdminRouter(conn, runCfg.CorsOrigins, startedAt)
		go func() { adminErr <- serveAdmin(adminCtx, runCfg.AdminAddr, router) }()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("amqpctl.run signal received, closing")
		closeCtx, cancel := context.WithTimeout(context.Background(), runCfg.CloseTimeout)
		defer cancel()
		if err := conn.Close(closeCtx, protocol.ReplySuccess, "amqpctl shutdown"); err != nil {
			log.Warn().Msgf("amqpctl.run close err=%v", err)
		}
		return nil
	case reason := <-closed:
		if reason == nil {
			return nil
		}
		var amqpErr *amqp.Error
		if errors.As(reason, &amqpErr) && amqpErr.Kind == amqp.KindBroker {
			return fmt.Errorf("broker closed connection: %w", reason)
		}
		return reason
	case err := <-adminErr:
		_ = conn.CloseDefault()
		return fmt.Errorf("admin server: %w", err)
	}
}
