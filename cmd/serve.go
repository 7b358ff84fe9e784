package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/filbeam/gateway/internal/denylist"
	"github.com/filbeam/gateway/internal/eligibility"
	"github.com/filbeam/gateway/internal/gateway"
	"github.com/filbeam/gateway/internal/origin"
	"github.com/filbeam/gateway/internal/payment"
	"github.com/filbeam/gateway/internal/store"
	"github.com/filbeam/gateway/internal/usage"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the retrieval gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
		if err != nil {
			return eris.Wrap(err, "connect store")
		}
		defer st.Close()

		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		fetcher := origin.NewFetcher(origin.Options{
			UserAgent:        cfg.Origin.UserAgent,
			HeaderTimeout:    time.Duration(cfg.Origin.HeaderTimeoutSecs) * time.Second,
			PerProviderRate:  rate.Limit(cfg.Origin.PerProviderRPS),
			PerProviderBurst: cfg.Origin.PerProviderBurst,
		})

		gate := &payment.Gate{
			Facilitator:       payment.NewHTTPFacilitator(cfg.Payment.FacilitatorURL, time.Duration(cfg.Payment.CallTimeoutSecs)*time.Second),
			Network:           cfg.Payment.Network,
			Asset:             cfg.Payment.Asset,
			MaxTimeoutSeconds: cfg.Payment.MaxTimeoutSecs,
		}

		h := &gateway.Handler{
			Resolver: &eligibility.Resolver{Source: st, EnforceQuotas: cfg.Quota.Enforce},
			Denylist: denylist.NewRedisGate(rdb, cfg.Redis.DenylistKey),
			Fetcher:  fetcher,
			Gate:     gate,
			Recorder: usage.NewStoreRecorder(st),
			Checks: []gateway.HealthCheck{
				{Name: "store", Ping: st.Ping},
				{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
			},
			Opts: gateway.Options{
				DNSRoot:        cfg.Server.DNSRoot,
				OriginCacheTTL: time.Duration(cfg.Origin.CacheTTLSecs) * time.Second,
				ClientCacheTTL: time.Duration(cfg.Server.ClientCacheTTLSecs) * time.Second,
				EnforceQuotas:  cfg.Quota.Enforce,
			},
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: h.Router(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting gateway",
			zap.Int("port", port),
			zap.String("dns_root", cfg.Server.DNSRoot),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// Drain background usage writes before exiting.
		h.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
