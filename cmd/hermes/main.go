// Command hermes runs the tasking server: the HTTP control plane, the
// dispatcher, and the result correlator in one process.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/seantiz/hermes/internal/agents"
	"github.com/seantiz/hermes/internal/api"
	"github.com/seantiz/hermes/internal/command"
	"github.com/seantiz/hermes/internal/config"
	"github.com/seantiz/hermes/internal/engine"
	"github.com/seantiz/hermes/internal/store"
	"github.com/seantiz/hermes/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("hermes: starting",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.StoreDriver,
		"transport", cfg.Transport,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	var tr transport.Transport
	var mbox transport.Mailbox
	switch cfg.Transport {
	case config.TransportRedis:
		rt := transport.NewRedis(cfg.RedisAddr, "", logger)
		if err := rt.Ping(ctx); err != nil {
			log.Fatalf("connect to redis at %s: %v", cfg.RedisAddr, err)
		}
		tr = rt
	default:
		mt := transport.NewMailbox(cfg.MailboxCapacity)
		tr = mt
		mbox = mt
	}
	defer tr.Close()

	reg := agents.NewRegistry(st, logger, cfg.OfflineAfter, cfg.MaxInFlight)
	eng := engine.NewEngine(st, reg, command.Builtin(), tr, logger, engine.Options{
		DispatchInterval:  cfg.DispatchInterval,
		SweepInterval:     cfg.SweepInterval,
		SendTimeout:       cfg.SendTimeout,
		DefaultTimeout:    cfg.DefaultTimeout,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
	})
	eng.Start(ctx)

	// On the Redis transport results arrive over a queue rather than the
	// HTTP ingest endpoint, so the server pumps them itself. Pump rides out
	// transient Redis failures and returns once ctx is canceled.
	if rt, ok := tr.(*transport.RedisTransport); ok {
		go func() {
			err := rt.Pump(ctx, func(ctx context.Context, raw []byte) {
				if _, err := eng.Ingest(ctx, raw); err != nil {
					logger.Warn("discarding malformed result from queue", "error", err)
				}
			})
			if err != nil {
				logger.Error("results pump stopped", "error", err)
			}
		}()
	}

	srv := api.NewServer(cfg.ListenAddr, eng, reg, mbox, logger, cfg.CORSOrigins)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	cancel()
	eng.Wait()
	logger.Info("hermes: stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StorePostgres {
		return store.OpenPostgres(ctx, cfg.PostgresDSN)
	}
	return store.NewSQLiteStore(cfg.DBPath)
}
