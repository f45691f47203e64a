package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/api"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/cache"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/client"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/config"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/quality"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/ratelimit"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/repo"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/scheduler"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/service"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.LoadAll()
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		log.Error("could not open postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Error("postgres unreachable", "error", err)
		os.Exit(1)
	}

	jobRepo := repo.NewPostgresJobRepo(db)
	sendRepo := repo.NewPostgresSendRepo(db)
	tmplRepo := repo.NewPostgresTemplateRepo(db)
	leadRepo := repo.NewPostgresLeadRepo(db)

	var tmplCache cache.TemplateCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		tmplCache = cache.NewRedisTemplateCache(rdb, cfg.Redis.TTL)
		log.Info("redis template cache enabled", "addr", cfg.Redis.Address, "ttl", cfg.Redis.TTL.String())
	}

	provider := client.NewTeleobiClient(client.Config{
		APIURL:        cfg.Provider.APIURL,
		AuthToken:     cfg.Provider.AuthToken,
		PhoneNumberID: cfg.Provider.PhoneNumberID,
	})

	limiter := ratelimit.New(cfg.Provider.Tier)
	metrics := quality.NewMetrics()
	gate := quality.NewGate(metrics, limiter)

	templates := service.NewTemplates(provider, tmplRepo, tmplCache, log)

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Jobs:             jobRepo,
		Sends:            sendRepo,
		Leads:            leadRepo,
		Templates:        templates,
		Client:           provider,
		Limiter:          limiter,
		Metrics:          metrics,
		Log:              log,
		InterSendDelay:   cfg.Dispatcher.InterSendDelay,
		CancelCheckEvery: cfg.Dispatcher.CancelCheckEvery,
	})

	supervisor := service.NewSupervisor(service.SupervisorConfig{
		Jobs:          jobRepo,
		Runner:        dispatcher,
		Log:           log,
		StaleAfter:    cfg.Recovery.StaleAfter,
		MaxRunningAge: cfg.Recovery.MaxRunningAge,
	})

	jobs := service.NewJobs(jobRepo, templates, gate, supervisor, log)
	reconciler := service.NewReconciler(jobRepo, sendRepo, templates, provider, log)

	// the first tick runs immediately, so stalled jobs resume right after boot
	sweeper, err := scheduler.New("recovery-sweep", cfg.Recovery.SweepInterval, func(ctx context.Context) {
		if launched, err := supervisor.Sweep(ctx); err != nil {
			log.Error("recovery sweep failed", "error", err)
		} else if len(launched) > 0 {
			log.Info("recovery sweep relaunched jobs", "jobs", launched)
		}
	})
	if err != nil {
		log.Error("could not create sweep scheduler", "error", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewHandler(jobs, jobRepo, supervisor, reconciler, templates, limiter, metrics)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("dispatch engine listening",
			"addr", cfg.Server.Address, "tier", cfg.Provider.Tier, "redis", cfg.Redis.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	if err := supervisor.Shutdown(30 * time.Second); err != nil {
		// in-flight jobs stay in processing and resume on next boot
		log.Warn("dispatchers still running at shutdown", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
