package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/example/errand-dispatch/internal/assign"
	busx "github.com/example/errand-dispatch/internal/bus"
	"github.com/example/errand-dispatch/internal/config"
	"github.com/example/errand-dispatch/internal/dispatch"
	"github.com/example/errand-dispatch/internal/eta"
	"github.com/example/errand-dispatch/internal/geocode"
	"github.com/example/errand-dispatch/internal/ingest"
	"github.com/example/errand-dispatch/internal/lifecycle"
	"github.com/example/errand-dispatch/internal/matcher"
	"github.com/example/errand-dispatch/internal/payments"
	"github.com/example/errand-dispatch/internal/pricing"
	"github.com/example/errand-dispatch/internal/registry"
	"github.com/example/errand-dispatch/internal/store"
	"github.com/example/errand-dispatch/internal/tracking"
)

type Server struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	Store   store.JobStore
	Reg     registry.Registry
	Gate    *registry.AvailabilityGate
	Matcher *matcher.Service
	Machine *lifecycle.Machine
	Hub     *tracking.Hub
	Bus     busx.Bus
	WSReg   *dispatch.WSRegistry
	Pricing pricing.Config
	Kafka   *ingest.LocationProducer

	Geocoder *geocode.Client // nil unless an endpoint is configured
	Router   eta.Client      // nil means straight-line fallback
	EtaCache *eta.Cache

	mux *mux.Router
}

// NewServer wires the core from an already-loaded config, choosing memory
// fallbacks when redis/postgres/kafka are not configured.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var reg registry.Registry
	var b busx.Bus
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		reg = registry.NewRedisRegistry(rdb, cfg.RedisGeoKey)
		b = busx.NewRedisBus(rdb, logger)
	} else {
		reg = registry.NewIndex()
		b = busx.NewMemoryBus()
	}

	var js store.JobStore
	if cfg.PGDSN != "" {
		ps, err := store.NewPostgresStore(cfg.PGDSN, cfg.PGPollPeriod)
		if err != nil {
			return nil, err
		}
		js = ps
	} else {
		js = store.NewMemoryStore()
	}

	var kp *ingest.LocationProducer
	var reviews lifecycle.ReviewSink
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		reviews = ingest.NewReviewProducer(cfg.KafkaBrokers, cfg.KafkaReviewTopic)
	}

	wsreg := dispatch.NewWSRegistry(logger)
	notifier := dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey, wsreg, logger)

	var gateway lifecycle.PaymentGateway
	if cfg.PGDSN != "" || cfg.RedisAddr != "" {
		// only wire real payments outside bare local runs
		gateway = payments.NewStripeGateway()
	}

	ctl := &assign.Control{
		Store:              js,
		Reg:                reg,
		AvailabilityWindow: cfg.MatchAvailabilityWindow,
		Logger:             logger,
	}
	machine := &lifecycle.Machine{
		Store:    js,
		Assign:   ctl,
		Notify:   notifier,
		Reviews:  reviews,
		Payments: gateway,
		Logger:   logger,
	}
	m := matcher.NewService(reg, matcher.Config{
		MaxDistanceKm:      cfg.MatchMaxDistanceKm,
		MinRating:          cfg.MatchMinRating,
		AvailabilityWindow: cfg.MatchAvailabilityWindow,
		SnapshotLimit:      cfg.MatchSnapshotLimit,
	})

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		Store:    js,
		Reg:      reg,
		Gate:     registry.NewAvailabilityGate(reg),
		Matcher:  m,
		Machine:  machine,
		Hub:      tracking.NewHub(js, b, logger),
		Bus:      b,
		WSReg:    wsreg,
		Pricing:  pricing.Config{RatePerKm: cfg.FeeRatePerKm, Floor: cfg.FeeFloor, Currency: cfg.FeeCurrency},
		Kafka:    kp,
		EtaCache: eta.NewCache(30 * time.Second),
		mux:      mux.NewRouter(),
	}
	if cfg.GeocodeEndpoint != "" {
		s.Geocoder = geocode.NewClient(cfg.GeocodeEndpoint)
	}
	if cfg.OSRMEndpoint != "" {
		s.Router = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

// NewServerFromEnv loads config from the environment and wires a server.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	return NewServer(cfg, slog.Default())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Shutdown stops live trackers and location publishers. It returns once
// teardown finishes or ctx expires, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Hub.Close()
		if s.Kafka != nil {
			_ = s.Kafka.Close()
		}
		_ = s.Bus.Close()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached before teardown finished")
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
