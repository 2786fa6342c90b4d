// Package main runs the k-line aggregation server:
// - Ingestion (continuous): WebSocket trade feed
// - Aggregation: live bar builders, closure timers, backstop sweep
// - HTTP API: health, metrics, status, live and historical bars
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"dex-kline-engine/internal/domain"
	"dex-kline-engine/internal/ingestion"
	"dex-kline-engine/internal/kline"
	"dex-kline-engine/internal/observability"
	"dex-kline-engine/internal/storage"
	chstore "dex-kline-engine/internal/storage/clickhouse"
	"dex-kline-engine/internal/storage/memory"
	"dex-kline-engine/internal/storage/migrations"
	pgstore "dex-kline-engine/internal/storage/postgres"
)

// Server holds all components of the aggregation service.
type Server struct {
	service   *kline.Service
	barStore  storage.BarStore
	pairStore storage.PairStore
	runner    atomic.Pointer[ingestion.Runner]
	logger    *log.Logger

	started     time.Time
	resolutions []domain.Resolution
	useMemory   bool
	feedUp      atomic.Bool
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	wsEndpoint := flag.String("ws-endpoint", os.Getenv("TRADE_WS_ENDPOINT"), "Trade feed WebSocket endpoint")
	pairsFlag := flag.String("pairs", os.Getenv("PAIRS"), "Comma-separated network:address pairs to aggregate")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string (pairs registry)")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (bars)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	resolutionsFlag := flag.String("resolutions", "30s,1m,15m", "Comma-separated bar resolutions")
	tickInterval := flag.Duration("tick-interval", 250*time.Millisecond, "Closure timer processing interval")
	sweepInterval := flag.Duration("sweep-interval", 60*time.Second, "Backstop sweep interval")
	httpAddr := flag.String("http-addr", ":8080", "HTTP API address (health, metrics, bars)")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	// Validate required flags
	if *wsEndpoint == "" {
		logger.Fatal("--ws-endpoint is required")
	}
	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}

	resolutions, err := parseResolutions(*resolutionsFlag)
	if err != nil {
		logger.Fatalf("Invalid --resolutions: %v", err)
	}

	pairs := parsePairs(*pairsFlag)
	if len(pairs) == 0 {
		logger.Fatal("--pairs is required (network:address, comma-separated)")
	}
	logger.Printf("Aggregating %d pairs at resolutions %v", len(pairs), resolutions)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Create stores and run migrations
	barStore, pairStore, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	registerPairs(ctx, pairStore, pairs, logger)

	// Create aggregation service
	service := kline.NewService(kline.Options{
		Bars:          barStore,
		Resolutions:   resolutions,
		TickInterval:  *tickInterval,
		SweepInterval: *sweepInterval,
		Logger:        log.New(os.Stdout, "[kline] ", log.LstdFlags),
	})

	server := &Server{
		service:     service,
		barStore:    barStore,
		pairStore:   pairStore,
		logger:      logger,
		started:     time.Now(),
		resolutions: resolutions,
		useMemory:   *useMemory,
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	// Start HTTP server
	go server.startHTTPServer(*httpAddr)

	err = server.Run(ctx, *wsEndpoint, pairKeys(pairs))
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Server error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// Run starts the aggregation loop and the trade feed, blocking until the
// context is cancelled or a component fails.
func (s *Server) Run(ctx context.Context, wsEndpoint string, pairKeys []string) error {
	s.logger.Println("Starting aggregation server...")

	errCh := make(chan error, 2)

	// Aggregation loop: timers, sweep, shutdown flush.
	go func() {
		if err := s.service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("aggregation: %w", err)
		}
	}()

	// Trade feed.
	go func() {
		source, err := ingestion.NewWSTradeSource(ctx, wsEndpoint, pairKeys, nil,
			log.New(os.Stdout, "[feed] ", log.LstdFlags))
		if err != nil {
			errCh <- fmt.Errorf("connect trade feed: %w", err)
			return
		}
		defer source.Close()

		runner := ingestion.NewRunner(ingestion.RunnerOptions{
			Source:  source,
			Service: s.service,
			Logger:  log.New(os.Stdout, "[ingestion] ", log.LstdFlags),
		})
		s.runner.Store(runner)
		s.feedUp.Store(true)
		defer s.feedUp.Store(false)

		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("ingestion: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		// Give the aggregation loop a moment to flush live buckets.
		time.Sleep(500 * time.Millisecond)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// createStores creates the bar and pair stores, running migrations for the
// database-backed mode.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (storage.BarStore, storage.PairStore, func(), error) {
	if useMemory {
		return memory.NewBarStore(), memory.NewPairStore(), func() {}, nil
	}

	// PostgreSQL: pairs registry
	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	// ClickHouse: bars
	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}

	return chstore.NewBarStore(chConn), pgstore.NewPairStore(pool), cleanup, nil
}

// registerPairs inserts configured pairs into the registry, ignoring ones
// already present.
func registerPairs(ctx context.Context, store storage.PairStore, pairs []*domain.Pair, logger *log.Logger) {
	for _, p := range pairs {
		err := store.Insert(ctx, p)
		switch {
		case err == nil:
			logger.Printf("Registered pair %s:%s", p.Network, p.Address)
		case errors.Is(err, storage.ErrDuplicateKey):
			// Already tracked.
		default:
			logger.Printf("WARN: register pair %s:%s failed: %v", p.Network, p.Address, err)
		}
	}
}

// parseResolutions parses a comma-separated resolution list.
func parseResolutions(s string) ([]domain.Resolution, error) {
	var resolutions []domain.Resolution
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, err := domain.ParseResolution(part)
		if err != nil {
			return nil, err
		}
		resolutions = append(resolutions, r)
	}
	if len(resolutions) == 0 {
		return nil, fmt.Errorf("no resolutions given")
	}
	return resolutions, nil
}

// parsePairs parses "network:address" entries into Pair rows.
func parsePairs(s string) []*domain.Pair {
	var pairs []*domain.Pair
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		network, address, ok := strings.Cut(part, ":")
		if !ok || network == "" || address == "" {
			continue
		}
		pairs = append(pairs, &domain.Pair{
			Network:   network,
			Address:   address,
			CreatedAt: time.Now().UnixMilli(),
		})
	}
	return pairs
}

// pairKeys formats pairs back into "network:address" subscription keys.
func pairKeys(pairs []*domain.Pair) []string {
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, p.Network+":"+p.Address)
	}
	return keys
}

// startHTTPServer starts the HTTP server for health/metrics/status/bars.
func (s *Server) startHTTPServer(addr string) {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/v1/bars/live", s.handleLiveBars)
	mux.HandleFunc("/v1/bars/history", s.handleHistoricalBars)

	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status         string   `json:"status"`
	Uptime         string   `json:"uptime"`
	FeedConnected  bool     `json:"feed_connected"`
	LiveBuckets    int      `json:"live_buckets"`
	Resolutions    []string `json:"resolutions"`
	TradesIngested int64    `json:"trades_ingested"`
	TradesRejected int64    `json:"trades_rejected"`
	StorageMode    string   `json:"storage_mode"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resolutions := make([]string, 0, len(s.resolutions))
	for _, res := range s.resolutions {
		resolutions = append(resolutions, string(res))
	}

	mode := "postgres+clickhouse"
	if s.useMemory {
		mode = "memory"
	}

	resp := StatusResponse{
		Status:        "running",
		Uptime:        time.Since(s.started).String(),
		FeedConnected: s.feedUp.Load(),
		LiveBuckets:   s.service.LiveBucketCount(),
		Resolutions:   resolutions,
		StorageMode:   mode,
	}
	if runner := s.runner.Load(); runner != nil {
		resp.TradesIngested, resp.TradesRejected = runner.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// BarResponse is the JSON shape of one bar.
type BarResponse struct {
	Network     string  `json:"network"`
	PairAddress string  `json:"pair_address"`
	Resolution  string  `json:"resolution"`
	PeriodStart int64   `json:"period_start"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	TradeCount  int     `json:"trade_count"`
	IsComplete  bool    `json:"is_complete"`
}

func toBarResponses(bars []*domain.Bar) []BarResponse {
	out := make([]BarResponse, 0, len(bars))
	for _, b := range bars {
		out = append(out, BarResponse{
			Network:     b.Network,
			PairAddress: b.PairAddress,
			Resolution:  string(b.Resolution),
			PeriodStart: b.PeriodStart,
			Open:        b.Open,
			High:        b.High,
			Low:         b.Low,
			Close:       b.Close,
			Volume:      b.Volume,
			TradeCount:  b.TradeCount,
			IsComplete:  b.IsComplete,
		})
	}
	return out
}

// handleLiveBars returns in-progress bar snapshots, optionally filtered by
// network and pair query parameters.
func (s *Server) handleLiveBars(w http.ResponseWriter, r *http.Request) {
	network := r.URL.Query().Get("network")
	pair := r.URL.Query().Get("pair")

	bars := s.service.LiveBars(network, pair)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"bars": toBarResponses(bars)})
}

// handleHistoricalBars returns persisted bars for one series.
func (s *Server) handleHistoricalBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	network := q.Get("network")
	pair := q.Get("pair")
	if network == "" || pair == "" {
		http.Error(w, "network and pair are required", http.StatusBadRequest)
		return
	}

	resolution, err := domain.ParseResolution(q.Get("resolution"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	order := storage.OrderDesc
	if raw := q.Get("order"); raw != "" {
		order = storage.Order(raw)
		if !order.Valid() {
			http.Error(w, "order must be asc or desc", http.StatusBadRequest)
			return
		}
	}

	bars, err := s.barStore.QueryHistorical(r.Context(), network, pair, resolution, limit, order)
	if err != nil {
		s.logger.Printf("Historical bars query failed: %v", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"bars": toBarResponses(bars)})
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
