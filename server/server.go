// Package server exposes the job engine over HTTP and streams job events to
// WebSocket subscribers through the notification hub.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/artifact"
	"github.com/teranos/segpulse/events"
	"github.com/teranos/segpulse/export"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/pulse/budget"
	"github.com/teranos/segpulse/pulse/schedule"
	"github.com/teranos/segpulse/segmentation"
)

// Server wires the engine, the worker pool and the hub behind one HTTP API
type Server struct {
	cfg    *am.Config
	db     *sql.DB
	nodeID string

	auth      Authenticator
	tokens    *StaticTokens         // nil when auth is injected
	access    async.AccessChecker
	store     *async.Store
	stats     *async.StatsAggregator
	outbox    *async.Outbox
	engine    *async.Engine
	registry  *async.HandlerRegistry
	daemon    *async.WorkerPool     // Background job processor
	ticker    *schedule.Ticker      // Retention sweeper; nil when sweeping is disabled
	limiter   *budget.Limiter       // Claim rate for the worker pool
	artifacts artifact.Store        // Segmentation results and export archives
	segmenter segmentation.Segmenter
	hub       *Hub
	relay     *Relay                // nil on a single node
	redis     *redis.Client         // nil on a single node
	amqp      *events.AMQPPublisher // nil when event export is disabled
	watcher   *am.ConfigWatcher     // nil until Start finds a config file
	handler   http.Handler

	httpServer *http.Server
	logger     *zap.SugaredLogger

	// Lifecycle management
	ctx      context.Context    // Cancellation context for graceful shutdown
	cancel   context.CancelFunc // Cancels all goroutines
	wg       sync.WaitGroup     // Tracks active goroutines for clean shutdown
	state    atomic.Int32       // ServerState
	stopOnce sync.Once
}

// Option overrides a collaborator built from config
type Option func(*Server)

// WithAuthenticator replaces the config token table
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithAccessChecker replaces the project_members lookup
func WithAccessChecker(a async.AccessChecker) Option {
	return func(s *Server) { s.access = a }
}

// WithArtifactStore replaces the configured storage backend
func WithArtifactStore(store artifact.Store) Option {
	return func(s *Server) { s.artifacts = store }
}

// WithSegmenter replaces the HTTP inference client
func WithSegmenter(seg segmentation.Segmenter) Option {
	return func(s *Server) { s.segmenter = seg }
}

// WithNodeID overrides server.node_id. Jobs this node claims carry the id.
func WithNodeID(id string) Option {
	return func(s *Server) { s.nodeID = id }
}

// New builds a server from config. Nothing runs until Start.
func New(cfg *am.Config, conn *sql.DB, log *zap.SugaredLogger, opts ...Option) (*Server, error) {
	if log == nil {
		log = logger.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		db:     conn,
		logger: log.Named("server"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		s.closeClients()
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	if s.nodeID == "" {
		s.nodeID = s.cfg.Server.NodeID
	}
	if s.nodeID == "" {
		s.nodeID = async.DefaultNodeID()
	}
	if s.auth == nil {
		s.tokens = NewStaticTokens(s.cfg.Server.Tokens)
		s.auth = s.tokens
	}
	if s.access == nil {
		s.access = async.NewMemberAccess(s.db)
	}
	if s.artifacts == nil {
		store, err := artifact.New(s.ctx, s.cfg.Storage)
		if err != nil {
			return err
		}
		s.artifacts = store
	}
	if s.segmenter == nil {
		s.segmenter = segmentation.NewHTTPSegmenter(s.cfg.Segmentation)
	}

	s.store = async.NewStore(s.db)
	s.stats = async.NewStatsAggregator(s.store)
	s.hub = NewHub(s.auth, s.access, HubConfig{
		MaxClients: s.cfg.Server.MaxClients,
		SendBuffer: s.cfg.Server.SendBuffer,
	}, s.logger)

	if addr := s.cfg.Relay.RedisAddr; addr != "" {
		client, err := NewRedisClient(s.ctx, addr)
		if err != nil {
			return err
		}
		s.redis = client
		// per-process suffix: echo suppression must not hide a sibling process on the same node id
		s.relay = NewRelay(client, s.cfg.Relay.Channel, s.nodeID+"/"+uuid.NewString()[:8], s.hub, s.logger)
		s.hub.SetRelay(s.relay)
	}

	sinks := events.Fanout{s.hub}
	if url := s.cfg.Events.AMQPURL; url != "" {
		pub, err := events.DialAMQP(url, s.cfg.Events.Exchange)
		if err != nil {
			s.logger.Warnw("Event export disabled", "exchange", s.cfg.Events.Exchange, logger.FieldError, err)
		} else {
			s.amqp = pub
			sinks = append(sinks, pub)
		}
	}
	s.outbox = async.NewOutbox(sinks, s.stats, s.logger, s.cfg.Pulse.OutboxBuffer)

	s.registry = async.NewHandlerRegistry()
	s.registry.Register(segmentation.NewHandler(s.segmenter, s.artifacts, s.logger))
	s.registry.Register(export.NewHandler(s.cfg.Export, s.artifacts, s.logger))

	s.engine = async.NewEngine(s.store, s.access, s.outbox,
		async.WithCleaner(s.registry),
		async.WithNodeID(s.nodeID),
		async.WithLogger(s.logger))

	s.limiter = budget.NewLimiter(s.cfg.Pulse.MaxClaimsPerSecond, claimBurst(s.cfg.Pulse))
	s.daemon = async.NewWorkerPool(s.ctx, s.engine, s.registry, async.WorkerPoolConfig{
		Workers:      s.cfg.Pulse.Workers,
		PollInterval: time.Duration(s.cfg.Pulse.PollIntervalMS) * time.Millisecond,
	}, s.limiter, s.logger)

	if s.cfg.Pulse.SweepIntervalSeconds > 0 {
		s.ticker = schedule.NewTicker(s.ctx, s.store, s.daemon, schedule.TickerConfig{
			Interval:  time.Duration(s.cfg.Pulse.SweepIntervalSeconds) * time.Second,
			Retention: time.Duration(s.cfg.Pulse.RetentionHours) * time.Hour,
		}, s.logger)
	}

	s.handler = s.routes()
	return nil
}

// claimBurst lets every worker claim once per refill
func claimBurst(cfg am.PulseConfig) int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	return 1
}

// Handler returns the HTTP handler with every route registered
func (s *Server) Handler() http.Handler { return s.handler }

// Engine returns the job engine
func (s *Server) Engine() *async.Engine { return s.engine }

// Hub returns the notification hub
func (s *Server) Hub() *Hub { return s.hub }

// NodeID returns the id recorded on jobs this node claims
func (s *Server) NodeID() string { return s.nodeID }

// applyConfig hot-applies the settings that can change without a restart
func (s *Server) applyConfig(cfg *am.Config) error {
	if s.tokens != nil {
		s.tokens.Reload(cfg.Server.Tokens)
	}
	s.limiter.SetLimit(cfg.Pulse.MaxClaimsPerSecond, claimBurst(cfg.Pulse))
	if seg, ok := s.segmenter.(*segmentation.HTTPSegmenter); ok {
		seg.Limiter().SetLimit(cfg.Segmentation.RequestsPerSecond, cfg.Segmentation.Burst)
	}
	if cfg.Pulse.Workers != s.cfg.Pulse.Workers {
		s.logger.Warnw("pulse.workers changed; restart to apply",
			"current", s.cfg.Pulse.Workers,
			"configured", cfg.Pulse.Workers)
	}

	s.logger.Infow("Config reloaded",
		"tokens", len(cfg.Server.Tokens),
		"max_claims_per_second", cfg.Pulse.MaxClaimsPerSecond,
		"segmentation_rps", cfg.Segmentation.RequestsPerSecond)
	return nil
}

func (s *Server) closeClients() {
	if s.amqp != nil {
		if err := s.amqp.Close(); err != nil {
			s.logger.Warnw("Failed to close AMQP publisher", logger.FieldError, err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warnw("Failed to close redis client", logger.FieldError, err)
		}
	}
}

func (s *Server) now() time.Time { return time.Now().UTC() }
