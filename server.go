package atomic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/otamesh/atomic/collab"
	"github.com/otamesh/atomic/internal/coordinator"
	"github.com/otamesh/atomic/internal/events"
	"github.com/otamesh/atomic/internal/payloadstore"
	"github.com/otamesh/atomic/internal/recovery"
	"github.com/otamesh/atomic/internal/secondary"
	"github.com/otamesh/atomic/internal/telemetry"
	"github.com/otamesh/atomic/internal/transport"
	"github.com/otamesh/atomic/internal/walog"
	"github.com/otamesh/atomic/internal/wire"
	"github.com/otamesh/atomic/tlsutil"
)

// Server runs one atomicd node, acting as either a Primary coordinator or
// a Secondary participant depending on Config.Role.
type Server struct {
	cfg    Config
	logger pslog.Logger

	wal   *walog.WAL
	store *payloadstore.Store
	bus   *events.Bus

	codec     *wire.Codec
	dialer    *transport.Dialer
	listener  *transport.Listener
	tlsConfig *tls.Config

	coord     *coordinator.Coordinator
	machine   *secondary.Machine
	descStore recovery.DescriptorStore

	peerConns sync.Mutex
	peerConn  map[string]*transport.Conn

	acceptedMu sync.Mutex
	accepted   map[*transport.Conn]struct{}

	decisionsMu sync.Mutex
	decisions   map[TxID]Verdict

	telemetry *telemetryBundle
	metrics   *telemetry.Metrics

	mu           sync.Mutex
	shutdown     bool
	readyOnce    sync.Once
	readyCh      chan struct{}
	lastServeErr error
	acceptDone   sync.WaitGroup
	cancelRun    context.CancelFunc
}

// Option configures a Server constructed by NewServer.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      collab.Backend
	OTLPEndpoint string
	DescStore    recovery.DescriptorStore
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithBackend injects a pre-built collab.Backend, bypassing collab.Open.
// Intended for tests; ignored for a Primary.
func WithBackend(b collab.Backend) Option {
	return func(o *options) { o.Backend = b }
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) { o.OTLPEndpoint = endpoint }
}

// WithDescriptorStore supplies the recovery.DescriptorStore a Primary
// consults to resupply a Descriptor for a transaction left pending across
// a restart. Without one, any transaction still pending at boot is
// aborted during recovery rather than resumed, since there is nowhere to
// recover the payload bytes from.
func WithDescriptorStore(store recovery.DescriptorStore) Option {
	return func(o *options) { o.DescStore = store }
}

// NewServer constructs an atomicd node according to cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	var tel *telemetryBundle
	if o.OTLPEndpoint != "" || cfg.MetricsListen != "" || cfg.PprofListen != "" || cfg.EnableProfilingMetrics {
		endpoint := cfg.OTLPEndpoint
		if o.OTLPEndpoint != "" {
			endpoint = o.OTLPEndpoint
		}
		var err error
		tel, err = setupTelemetry(context.Background(), endpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, logger.With("svc", "telemetry"))
		if err != nil {
			return nil, err
		}
	}
	metrics := telemetry.New(logger.With("svc", "telemetry"))

	wal, err := walog.Open(cfg.WALDir, cfg.WALSegmentBytes)
	if err != nil {
		shutdownTelemetry(tel)
		return nil, fmt.Errorf("open wal: %w", err)
	}
	store, err := payloadstore.Open(cfg.PayloadDir)
	if err != nil {
		_ = wal.Close()
		shutdownTelemetry(tel)
		return nil, fmt.Errorf("open payload store: %w", err)
	}

	var tlsCfg *tls.Config
	if !cfg.DisableMTLS {
		bundle, err := tlsutil.LoadBundle(cfg.BundlePath)
		if err != nil {
			_ = wal.Close()
			shutdownTelemetry(tel)
			return nil, fmt.Errorf("load mtls bundle: %w", err)
		}
		tlsCfg = bundle.TLSConfig()
	}

	codec := wire.NewCodec(cfg.MaxFrameBytes)
	dialer := &transport.Dialer{TLSConfig: tlsCfg, Codec: codec, Timeout: cfg.DialTimeout}
	bus := events.NewBus()

	s := &Server{
		cfg:       cfg,
		logger:    logger.With("svc", "server"),
		wal:       wal,
		store:     store,
		bus:       bus,
		codec:     codec,
		dialer:    dialer,
		tlsConfig: tlsCfg,
		telemetry: tel,
		metrics:   metrics,
		readyCh:   make(chan struct{}),
		peerConn:  make(map[string]*transport.Conn),
		accepted:  make(map[*transport.Conn]struct{}),
		decisions: make(map[TxID]Verdict),
	}

	s.descStore = o.DescStore
	if s.descStore == nil {
		s.descStore = noDescriptorStore{}
	}

	switch cfg.Role {
	case RolePrimary:
		s.coord = coordinator.New(wal, s, bus, s.logger.With("layer", "coordinator"), coordinator.Config{
			ChunkSize:   cfg.ChunkSize,
			StepTimeout: cfg.StepTimeout,
			TxnTimeout:  cfg.TxnTimeout,
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Multiplier:  cfg.RetryMultiplier,
			Metrics:     metrics,
		})
		if err := s.hydrateDecisions(); err != nil {
			_ = wal.Close()
			shutdownTelemetry(tel)
			return nil, fmt.Errorf("hydrate decisions: %w", err)
		}
	case RoleSecondary:
		backend := o.Backend
		if backend == nil {
			backend, err = collab.Open(cfg.Backend, cfg.CustomBackend)
			if err != nil {
				_ = wal.Close()
				shutdownTelemetry(tel)
				return nil, fmt.Errorf("open backend: %w", err)
			}
		}
		s.machine = secondary.New(cfg.Serial, wal, store, backend, bus, s.logger.With("layer", "secondary"), cfg.RegistryGrace)
	}

	return s, nil
}

func shutdownTelemetry(tel *telemetryBundle) {
	if tel == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tel.Shutdown(shutdownCtx)
}

// hydrateDecisions replays this Primary's own WAL so a recovering
// Secondary's Query can be answered for a transaction this process
// decided in an earlier lifetime. The Coordinator itself releases a
// transaction's registry entry the instant Run returns, so the WAL is the
// only durable record of an old decision once that happens.
func (s *Server) hydrateDecisions() error {
	records, err := walog.Replay(s.cfg.WALDir)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Type != walog.RecordDecision {
			continue
		}
		txID, verdict, err := coordinator.DecodeDecisionVerdict(rec.Payload)
		if err != nil {
			return err
		}
		s.decisions[txID] = verdict
	}
	return nil
}

// Dial implements coordinator.PeerDialer, caching one connection per
// Secondary serial and reusing it across transactions per the interface's
// contract.
func (s *Server) Dial(ctx context.Context, serial ECUSerial) (*transport.Conn, error) {
	key := serial.String()
	s.peerConns.Lock()
	if conn, ok := s.peerConn[key]; ok && conn.Err() == nil {
		s.peerConns.Unlock()
		return conn, nil
	}
	s.peerConns.Unlock()

	addr, ok := s.cfg.Peers[key]
	if !ok {
		return nil, NewFailure(FailureProtocol, "atomic: no peer address configured for serial "+key)
	}
	conn, err := s.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, NewFailure(FailureTransport, err.Error())
	}
	s.peerConns.Lock()
	s.peerConn[key] = conn
	s.peerConns.Unlock()
	return conn, nil
}

// DialPrimary implements recovery.PrimaryDialer for a Secondary resolving
// a transaction's outcome during recovery.
func (s *Server) DialPrimary(ctx context.Context) (*transport.Conn, error) {
	return s.dialer.Dial(ctx, s.cfg.PrimaryAddr)
}

// RunTransaction drives desc through the protocol and records the
// resulting Verdict so a later recovery Query from any Secondary in this
// transaction can be answered even after the Coordinator releases its
// in-memory registry entry. Only meaningful for Role RolePrimary.
func (s *Server) RunTransaction(ctx context.Context, desc Descriptor) Verdict {
	verdict := s.coord.Run(ctx, desc)
	s.decisionsMu.Lock()
	s.decisions[desc.TxID] = verdict
	s.decisionsMu.Unlock()
	return verdict
}

// Handler returns the Coordinator for callers that need lower-level
// access (metrics inspection, direct Abort), or nil for a Secondary.
func (s *Server) Handler() *coordinator.Coordinator {
	return s.coord
}

// SubscribeEvents returns a channel of protocol events (step broadcasts,
// acks, decisions, local step entries) for operational visibility into
// partial-failure and split-brain outcomes that the Verdict alone does
// not carry, along with an unsubscribe function. The channel is bounded
// and drops events under backpressure rather than blocking the protocol.
func (s *Server) SubscribeEvents() (<-chan events.Event, func()) {
	return s.bus.Subscribe()
}

// Start binds the listener and serves inbound connections until Shutdown
// is called or the listener fails. For a Primary this accepts recovery
// Query connections from Secondaries; for a Secondary this accepts the
// Primary's Start/Verify/Prepare/Commit/Abort traffic.
func (s *Server) Start() error {
	ln, err := transport.Listen(s.cfg.Listen, s.tlsConfig, s.codec)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	go s.runRecovery(runCtx)

	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "role", string(s.cfg.Role))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.recordServeErr(err)
			if s.isShuttingDown() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.acceptedMu.Lock()
		s.accepted[conn] = struct{}{}
		s.acceptedMu.Unlock()
		s.acceptDone.Add(1)
		go func() {
			defer s.acceptDone.Done()
			s.serveConn(runCtx, conn)
			s.acceptedMu.Lock()
			delete(s.accepted, conn)
			s.acceptedMu.Unlock()
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn *transport.Conn) {
	defer conn.Close()
	for msg := range conn.Inbox {
		switch s.cfg.Role {
		case RoleSecondary:
			reply, err := s.machine.Handle(ctx, msg)
			if err != nil {
				s.logger.Warn("secondary.handle.failed", "tx_id", msg.TxID.String(), "error", err)
				continue
			}
			if reply != nil {
				if err := conn.Send(ctx, *reply); err != nil {
					return
				}
			}
		case RolePrimary:
			if msg.Type != wire.TypeQuery {
				continue
			}
			s.answerQuery(ctx, conn, msg)
		}
	}
}

// answerQuery replies to a recovering Secondary's Query if this Primary
// knows the transaction's final outcome. If it has no record of a
// decision, it deliberately sends nothing: the transaction is either
// still in flight (in which case the Secondary will receive its next step
// through the normal retry path, not this connection) or was never
// started here, and either way the Secondary's own query timeout aborting
// it locally is always a safe outcome for a participant that has not yet
// applied a Commit.
func (s *Server) answerQuery(ctx context.Context, conn *transport.Conn, msg wire.Message) {
	s.decisionsMu.Lock()
	verdict, ok := s.decisions[msg.TxID]
	s.decisionsMu.Unlock()
	if !ok {
		return
	}
	step := StepAbort
	if verdict.Committed {
		step = StepCommit
	}
	_ = conn.Send(ctx, wire.Report(msg.TxID, step))
}

func (s *Server) runRecovery(ctx context.Context) {
	records, err := walog.Replay(s.cfg.WALDir)
	if err != nil {
		s.logger.Warn("recovery.replay.failed", "error", err)
		return
	}
	switch s.cfg.Role {
	case RolePrimary:
		pending, err := recovery.ReplayPrimary(records)
		if err != nil {
			s.logger.Warn("recovery.replay_primary.failed", "error", err)
			return
		}
		if len(pending) == 0 {
			return
		}
		s.logger.Info("recovery.primary.resuming", "pending", len(pending))
		for _, v := range recovery.ResumePrimary(ctx, s.coord, s.descStore, pending) {
			if s.metrics != nil {
				s.metrics.RecordRecovery(ctx, recoveryOutcome(v))
			}
		}
	case RoleSecondary:
		pending, err := recovery.ReplaySecondary(records)
		if err != nil {
			s.logger.Warn("recovery.replay_secondary.failed", "error", err)
			return
		}
		if len(pending) == 0 {
			return
		}
		s.logger.Info("recovery.secondary.resolving", "pending", len(pending))
		recovery.ResumeSecondary(ctx, s.machine, s, pending, s.cfg.RecoveryQueryTimeout)
	}
}

func recoveryOutcome(v Verdict) string {
	if v.Committed {
		return "committed"
	}
	return "aborted"
}

// noDescriptorStore aborts every pending transaction on recovery, since it
// has nowhere to resupply a Descriptor's payload bytes from. A Primary
// that needs to resume in-flight transactions across a restart supplies
// its own recovery.DescriptorStore via WithDescriptorStore instead.
type noDescriptorStore struct{}

func (noDescriptorStore) Load(ctx context.Context, txID TxID) (Descriptor, bool, error) {
	return Descriptor{}, false, nil
}

func (noDescriptorStore) Deadline(ctx context.Context, txID TxID) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

// Shutdown stops accepting connections, closes every owned resource, and
// is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if s.cancelRun != nil {
		s.cancelRun()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.acceptedMu.Lock()
	for conn := range s.accepted {
		_ = conn.Close()
	}
	s.acceptedMu.Unlock()
	s.acceptDone.Wait()

	s.peerConns.Lock()
	for _, conn := range s.peerConn {
		_ = conn.Close()
	}
	s.peerConns.Unlock()

	if s.machine != nil {
		s.machine.Close()
	}
	s.bus.Close()
	if err := s.wal.Close(); err != nil {
		return err
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx == nil || telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error the accept loop reported.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts an atomicd node in a background goroutine and waits
// until it is ready to accept connections, returning the running server
// alongside a stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}

	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
