// Command echo runs a minimal service on the nooble4 fabric. It consumes the
// "echo" action stream, validates payloads against a tier quota, and answers
// pseudo-synchronous echo.message.send actions with the payload it received.
//
// # Configuration
//
// Environment variables (see package config for the full surface):
//
//	NOOBLE_SERVICE  - service name; set to "echo" to run this example
//	NOOBLE_ENV      - environment name segment (default: "dev")
//	REDIS_URL       - Redis connection string (default: "redis://localhost:6379")
//
// # Example
//
//	NOOBLE_SERVICE=echo REDIS_URL=redis://localhost:6379 go run ./example/cmd/echo
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/nooble4/fabric/config"
	"github.com/nooble4/fabric/envelope"
	"github.com/nooble4/fabric/names"
	"github.com/nooble4/fabric/redispool"
	"github.com/nooble4/fabric/service"
	"github.com/nooble4/fabric/tier"
	"github.com/nooble4/fabric/transport"
	"github.com/nooble4/fabric/worker"
)

// echoPayload is the per-action schema for echo.message.send.
type echoPayload struct {
	Message string `json:"message" validate:"required"`
	Model   string `json:"model,omitempty"`
}

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	namer := names.New(settings.Prefix, settings.Environment)

	pool := redispool.New(settings.Store)
	defer func() {
		if err := pool.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close pool"})
		}
	}()

	client, err := transport.New(transport.Options{
		Pool:                     pool,
		Namer:                    namer,
		OriginService:            settings.ServiceName,
		StreamContext:            settings.Worker.StreamContext,
		DefaultPseudoSyncTimeout: settings.Transport.DefaultPseudoSyncTimeout,
		ReplyTTL:                 settings.Transport.ReplyTTL,
	})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	limits := tier.DefaultLimits()
	if settings.Tier.LimitsFile != "" {
		if limits, err = tier.LoadLimitsFile(settings.Tier.LimitsFile); err != nil {
			return fmt.Errorf("load tier limits: %w", err)
		}
	}
	tiers, err := tier.NewEngine(tier.Options{
		Pool:                 pool,
		Namer:                namer,
		Limits:               limits,
		UsageTrackingEnabled: settings.Tier.UsageTrackingEnabled,
	})
	if err != nil {
		return fmt.Errorf("create tier engine: %w", err)
	}

	svc, err := service.New(service.Options{
		Settings:  settings,
		Transport: client,
		Pool:      pool,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Register("echo.message.send", echoHandler(tiers)); err != nil {
		return err
	}

	w, err := worker.New(worker.Options{
		Pool:      pool,
		Namer:     namer,
		Service:   settings.ServiceName,
		Handler:   svc,
		Transport: client,
		Config:    settings.Worker,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	log.Info(ctx, log.KV{K: "msg", V: "echo service starting"},
		log.KV{K: "env", V: settings.Environment})
	return w.Run(ctx)
}

// echoHandler validates the payload and the tenant's hourly query quota, then
// echoes the message back. Usage is reported only after success.
func echoHandler(tiers *tier.Engine) service.HandlerFunc {
	return func(ctx context.Context, a *envelope.DomainAction) (map[string]any, error) {
		var p echoPayload
		if err := service.DecodePayload(a, &p); err != nil {
			return nil, err
		}
		// The tenant's tier would normally come from the agent management
		// service; the example treats everyone as free tier.
		if err := tiers.Validate(ctx, a.TenantID, tier.TierFree, tier.QueriesPerHour, nil); err != nil {
			return nil, err
		}
		if p.Model != "" {
			if err := tiers.Validate(ctx, a.TenantID, tier.TierFree, tier.AllowedLLMModels, p.Model); err != nil {
				return nil, err
			}
		}
		tiers.IncrementUsage(ctx, a.TenantID, tier.QueriesPerHour, 1)
		return map[string]any{"message": p.Message}, nil
	}
}
