package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Adil-Ds/Intellirate/pkg/apiserver"
	"github.com/Adil-Ds/Intellirate/pkg/broker"
	"github.com/Adil-Ds/Intellirate/pkg/cache"
	"github.com/Adil-Ds/Intellirate/pkg/config"
	"github.com/Adil-Ds/Intellirate/pkg/decision"
	"github.com/Adil-Ds/Intellirate/pkg/observability/logging"
	"github.com/Adil-Ds/Intellirate/pkg/predictor"
	"github.com/Adil-Ds/Intellirate/pkg/quotastore"
	"github.com/Adil-Ds/Intellirate/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the configuration file")
	flag.Parse()

	if _, err := logging.InitFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
	}
	defer logging.Sync()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logging.Fatalf("Config file not found: %s", *configPath)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		logging.Fatalf("Failed to connect to quota store: %v", err)
	}
	defer store.Close()

	b, err := buildBroker(cfg, store)
	if err != nil {
		logging.Fatalf("Failed to build prediction broker: %v", err)
	}

	admitter := ratelimit.NewAdmitter(store)
	policies := ratelimit.NewPolicies(cfg.RateLimits)
	sink := decision.NewChannelSink(cfg.Events.Buffer)
	defer sink.Close()
	go drainEvents(sink)

	orch, err := decision.New(decision.Options{
		Admitter: admitter,
		Broker:   b,
		Policies: policies,
		Sink:     sink,
		FailOpen: cfg.FailOpen(),
	})
	if err != nil {
		logging.Fatalf("Failed to build orchestrator: %v", err)
	}

	// Metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logging.Infof("Starting metrics server on %s", cfg.MetricsListen)
		if err := http.ListenAndServe(cfg.MetricsListen, nil); err != nil {
			logging.Errorf("Metrics server error: %v", err)
		}
	}()

	srv, err := apiserver.New(apiserver.Options{
		Orchestrator: orch,
		Admitter:     admitter,
		Policies:     policies,
		Store:        store,
		Broker:       b,
		Addr:         cfg.Listen,
	})
	if err != nil {
		logging.Fatalf("Failed to build API server: %v", err)
	}
	if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
		logging.Fatalf("API server error: %v", err)
	}
	logging.Infof("Shutdown complete")
}

// buildStore selects Redis when an address is configured, otherwise the
// in-process store.
func buildStore(ctx context.Context, cfg *config.GatewayConfig) (quotastore.Store, error) {
	if cfg.Redis.Addr == "" {
		logging.Warnf("No redis address configured, using in-process store; quotas are per replica")
		return quotastore.NewMemoryStore(), nil
	}
	return quotastore.NewRedisStore(ctx, quotastore.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// buildBroker assembles the two-tier prediction path from config.
func buildBroker(cfg *config.GatewayConfig, store quotastore.Store) (*broker.Broker, error) {
	local, err := predictor.NewLocalPredictor(predictor.LocalOptions{
		ID:             cfg.Prediction.PredictorID + "-local",
		Weights:        cfg.Prediction.Local.Weights,
		Bias:           cfg.Prediction.Local.Bias,
		AbuseThreshold: cfg.Prediction.Local.AbuseThreshold,
		BaseLimit:      cfg.Prediction.Local.BaseLimit,
	})
	if err != nil {
		return nil, err
	}

	var remote predictor.Predictor
	if cfg.Prediction.Endpoint != "" {
		remote = predictor.NewRemotePredictor(predictor.RemoteOptions{
			ID:            cfg.Prediction.PredictorID,
			Endpoint:      cfg.Prediction.Endpoint,
			Timeout:       cfg.Prediction.RemoteTimeout(),
			RetryAttempts: cfg.Prediction.RetryAttempts,
			RetryBackoff:  cfg.Prediction.RetryBackoff(),
			Features:      cfg.Prediction.Features,
		})
	} else {
		logging.Infof("No prediction endpoint configured, serving all predictions locally")
	}

	return broker.New(broker.Options{
		Remote:   remote,
		Fallback: local,
		Breaker: broker.NewCircuitBreaker(broker.CircuitOptions{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown(),
		}),
		Cache:    cache.New(store),
		CacheTTL: cfg.Prediction.CacheTTL(),
	})
}

// drainEvents writes decision events to the structured log. A real deployment
// would forward them to a collector; the log keeps them observable either way.
func drainEvents(sink *decision.ChannelSink) {
	for ev := range sink.Events() {
		logging.LogEvent("admission_decision", map[string]interface{}{
			"request_id":        ev.RequestID,
			"subject_id":        ev.SubjectID,
			"tier":              ev.Tier,
			"admitted":          ev.Admitted,
			"retry_after_ms":    ev.RetryAfterMs,
			"recommended_limit": ev.RecommendedLimit,
			"risk_score":        ev.RiskScore,
			"prediction_source": string(ev.PredictionSource),
		})
	}
}
