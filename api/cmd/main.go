package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/logger"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/relay"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/resilience"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/transport/http/handlers"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/transport/http/router"
)

const usage = `relay-service - transactional outbox relay

Usage:
  relay-service [start]          run the relay (default)
  relay-service process          run one batch cycle and exit
      -batch-size N              override the configured batch size
  relay-service stats            print outbox statistics
      -json                      raw JSON output
  relay-service reset-cb         reset the circuit breaker on a running relay
  relay-service validate-config  check the environment configuration
`

func main() {
	args := os.Args[1:]
	cmd := "start"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "start":
		runStart()
	case "process":
		runProcess(args)
	case "stats":
		runStats(args)
	case "reset-cb":
		runResetCB()
	case "validate-config":
		runValidateConfig()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	logger.Init()
	return cfg
}

// buildRelay wires store, publisher, breaker and processor from config.
func buildRelay(cfg *config.Config) (*postgres.Store, *rabbitmq.Publisher, *resilience.Breaker, *relay.Processor, func()) {
	log := logger.Logger

	db, err := postgres.Open(cfg.PostgresDSN(), cfg.DBPoolSize, cfg.DBIdleTimeout, cfg.DBConnectTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open failed")
	}
	store := postgres.New(db)

	pub := rabbitmq.New(rabbitmq.Options{
		URL:              cfg.AmqpURL(),
		Heartbeat:        cfg.RabbitHeartbeat,
		Prefetch:         cfg.RabbitPrefetch,
		Confirms:         cfg.PublisherConfirms,
		Mandatory:        cfg.Mandatory,
		ConfirmTimeout:   cfg.RequestTimeout,
		ReconnectDelay:   cfg.RetryDelayBase,
		MaxReconnects:    cfg.MaxRetries,
		DeclareExchanges: cfg.RabbitDeclareExchanges,
	})

	breaker := resilience.NewBreaker(resilience.Settings{
		Name:             "broker",
		Enabled:          cfg.CBEnabled,
		FailureThreshold: cfg.CBFailureThreshold,
		SuccessThreshold: cfg.CBSuccessThreshold,
		Timeout:          cfg.CBTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			metrics.RecordBreakerTrip(name, from.String(), to.String())
			metrics.SetBreakerState(name, int(to))
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	metrics.SetBreakerState("broker", int(breaker.State()))

	processor := relay.NewProcessor(store, pub, breaker, relay.PolicyFromConfig(cfg), relay.Options{
		ConsumerName: cfg.ConsumerName,
		BatchSize:    cfg.BatchSize,
		MaxWait:      cfg.BatchMaxWait,
	})

	cleanup := func() {
		_ = pub.Close()
		_ = db.Close()
	}
	return store, pub, breaker, processor, cleanup
}

func runStart() {
	cfg := loadConfig()
	log := logger.Logger

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, pub, breaker, processor, cleanup := buildRelay(cfg)
	defer cleanup()

	sup := relay.NewSupervisor(cfg, store, pub, processor)
	if err := sup.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("relay start failed")
	}

	ops := handlers.NewOpsHandler(sup, store, pub, breaker, cfg.StartupTimeout)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(ops, cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("ops server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("ops server crashed")
	}

	// Drain the relay first; the health surface stays up while it drains.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+2*time.Second)
	defer cancel()
	_ = sup.Stop(stopCtx)

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	_ = srv.Shutdown(httpCtx)

	log.Info().Msg("shutdown complete")
}

func runProcess(args []string) {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	batchSize := fs.Int("batch-size", 0, "override the configured batch size")
	_ = fs.Parse(args)

	cfg := loadConfig()
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, pub, _, processor, cleanup := buildRelay(cfg)
	defer cleanup()

	if err := pub.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("broker not reachable, events will settle as failed")
	}

	size := cfg.BatchSize
	if *batchSize > 0 {
		size = *batchSize
	}

	res, err := processor.ProcessWithSize(ctx, size)
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		log.Error().Err(err).Msg("batch cycle failed")
		os.Exit(1)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "raw JSON output")
	_ = fs.Parse(args)

	cfg := loadConfig()

	// A running relay serves richer statistics; fall back to the store.
	if body, err := fetchLocal(cfg.HTTPAddr, "/stats"); err == nil {
		printStatsBody(body, *asJSON)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := postgres.Open(cfg.PostgresDSN(), cfg.DBPoolSize, cfg.DBIdleTimeout, cfg.DBConnectTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres open failed: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	stats, err := postgres.New(db).OutboxStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats query failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
		return
	}
	for status, n := range stats.Counts {
		fmt.Printf("%-12s %d\n", status, n)
	}
	if stats.OldestPending != nil {
		fmt.Printf("oldest pending: %s\n", stats.OldestPending.Format(time.RFC3339))
	}
}

func runResetCB() {
	cfg := loadConfig()

	body, err := postLocal(cfg.HTTPAddr, "/admin/reset-cb")
	if err != nil {
		fmt.Fprintf(os.Stderr, "no running relay at %s: %v\n", cfg.HTTPAddr, err)
		os.Exit(1)
	}
	fmt.Println(strings.TrimSpace(string(body)))
}

func runValidateConfig() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("configuration ok\n  mode: %s\n  batch_size: %d\n  consumer: %s\n  exchanges: %s\n",
		cfg.Mode, cfg.BatchSize, cfg.ConsumerName, strings.Join(cfg.RabbitDeclareExchanges, ", "))
}

func localURL(addr, path string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr + path
	}
	return "http://" + addr + path
}

func fetchLocal(addr, path string) ([]byte, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(localURL(addr, path))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func postLocal(addr, path string) ([]byte, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(localURL(addr, path), "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func printStatsBody(body []byte, asJSON bool) {
	if asJSON {
		fmt.Println(strings.TrimSpace(string(body)))
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		fmt.Println(strings.TrimSpace(string(body)))
		return
	}
	out, _ := json.MarshalIndent(parsed, "", "  ")
	fmt.Println(string(out))
}
