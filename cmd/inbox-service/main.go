package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/inbox-service/internal/adapter"
	"qms/inbox-service/internal/adapter/wsbridge"
	"qms/inbox-service/internal/config"
	"qms/inbox-service/internal/credentials"
	"qms/inbox-service/internal/httpapi"
	"qms/inbox-service/internal/hub"
	"qms/inbox-service/internal/queue"
	"qms/inbox-service/internal/realtime"
	"qms/inbox-service/internal/relay"
	"qms/inbox-service/internal/router"
	"qms/inbox-service/internal/session"
	"qms/inbox-service/internal/store"
	"qms/inbox-service/internal/store/memory"
	"qms/inbox-service/internal/store/postgres"
	"qms/inbox-service/internal/telemetry"
	"qms/inbox-service/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTracer := telemetry.Setup(telemetry.Config{
		ServiceName: "inbox-service",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.OTLPSampleRatio,
	})

	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		st = postgres.NewStore(pool)
	} else {
		log.Printf("DB_DSN not set, using in-memory store")
		st = memory.New()
	}

	creds, err := credentials.New(cfg.CredentialsDir, cfg.CredentialsSecret)
	if err != nil {
		log.Fatalf("credentials: %v", err)
	}

	var conn adapter.Adapter
	if cfg.GatewayURL != "" {
		conn = wsbridge.New(cfg.GatewayURL, wsbridge.Options{})
	} else {
		log.Printf("GATEWAY_URL not set, using mock adapter")
		conn = adapter.NewMock(adapter.MockOptions{AutoChallenge: true})
	}

	events := hub.New()
	var rl *relay.Relay
	if cfg.NATSURL != "" {
		rl, err = relay.Connect(cfg.NATSURL, cfg.NATSSubject, events)
		if err != nil {
			log.Fatalf("relay: %v", err)
		}
		if err := rl.Start(); err != nil {
			log.Fatalf("relay start: %v", err)
		}
		events.SetForwarder(rl.Forward)
	}

	registry := queue.NewRegistry(st)
	rt := router.New(st, registry, events, router.Options{})
	supervisor := session.NewSupervisor(st, conn, creds, rt, events, session.Config{
		ConnectTimeout: cfg.SessionConnectTimeout,
		SendTimeout:    cfg.SessionSendTimeout,
		QRTimeout:      cfg.SessionQRTimeout,
		QRMaxRefresh:   cfg.SessionQRMaxRefresh,
		RetryLimit:     cfg.SessionRetryLimit,
		BackoffBase:    cfg.SessionBackoffBase,
		BackoffMax:     cfg.SessionBackoffMax,
		AutoReconnect:  cfg.SessionAutoReconnect,
		AutoStart:      cfg.SessionAutoStart,
	})
	rt.SetSender(supervisor)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := supervisor.Boot(bootCtx); err != nil {
		log.Fatalf("session boot: %v", err)
	}
	bootCancel()

	auth := httpapi.NewAuthenticator(cfg.APIToken, cfg.APITokenHash)
	handler := httpapi.NewHandler(httpapi.Deps{
		Sessions: supervisor,
		Queues:   registry,
		Tickets:  rt,
		Records:  st,
		State: func(ctx context.Context) (realtime.Snapshot, error) {
			return realtime.BuildSnapshot(ctx, st)
		},
	})
	live := realtime.New(events, st, realtime.Options{Authorize: auth.Valid})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		CommandPerMinute: cfg.CommandPerMinute,
		CommandBurst:     cfg.CommandBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.AuthMiddleware(auth, handler.Routes()))
	mux.Handle(realtime.Prefix+"/", live.Handler())
	mux.Handle("/metrics", expvar.Handler())

	// No WriteTimeout: SockJS streaming responses stay open.
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "inbox-service"),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Start(ctx, cfg.RouterSweepInterval, worker.New(rt, worker.Config{}))

	go func() {
		log.Printf("inbox-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	supervisor.Close()
	if rl != nil {
		if err := rl.Close(); err != nil {
			log.Printf("relay close error: %v", err)
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Printf("tracer shutdown error: %v", err)
	}
}
