package hushd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/hushd/internal/clock"
	"pkt.systems/hushd/internal/httpapi"
	"pkt.systems/hushd/internal/netutil"
	"pkt.systems/hushd/internal/resource"
	"pkt.systems/hushd/internal/session"
	"pkt.systems/hushd/internal/svcfields"
	"pkt.systems/hushd/internal/urltoken"
	"pkt.systems/hushd/internal/watch"
)

// Server wraps the HTTP server, the one-shot resource, and the shutdown
// orchestration around a single sharing session.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	res        resource.Responder
	session    *session.Session
	latch      *session.Latch
	handler    *httpapi.Handler
	httpSrv    *http.Server
	clock      clock.Clock
	telemetry  *telemetry
	sessionID  string
	token      string
	secretPath string

	mu           sync.Mutex
	listener     net.Listener
	watcher      *watch.Watcher
	shareURL     string
	lastServeErr error
	stopErr      error

	readyOnce sync.Once
	readyCh   chan struct{}
	stopOnce  sync.Once
	stopped   chan struct{}
	forceOnce sync.Once
	forceCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	Responder    resource.Responder
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithResponder injects a pre-built resource responder (useful for tests).
func WithResponder(r resource.Responder) Option {
	return func(o *options) {
		o.Responder = r
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a hushd server according to cfg.
// Example:
//
//	cfg := hushd.Config{SecretFile: "/tmp/note.txt", MaxUses: 1}
//	srv, err := hushd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	sessionID := xid.New().String()
	logger = logger.With("session", sessionID)

	res := o.Responder
	if res == nil {
		var err error
		res, err = openResponder(cfg)
		if err != nil {
			return nil, err
		}
	}
	urlName := cfg.Name
	if urlName == "" {
		urlName = res.Name()
	}

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), otlpEndpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	token, err := urltoken.New(cfg.TokenLength)
	if err != nil {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
		return nil, err
	}
	secretPath := "/" + token + "/" + urlName

	sess := session.New(cfg.MaxUses, cfg.MaxFailedAttempts)
	latch := session.NewLatch()

	var gateMetrics *httpapi.Metrics
	if telemetry != nil && telemetry.registry != nil {
		gateMetrics = httpapi.NewMetrics(telemetry.registry)
	}
	handler := httpapi.New(httpapi.Config{
		Resource:       res,
		Session:        sess,
		Latch:          latch,
		SecretPath:     secretPath,
		CountExhausted: cfg.CountExhausted(),
		Logger:         logger,
		Metrics:        gateMetrics,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	var httpHandler http.Handler = mux
	if otlpEndpoint != "" {
		httpHandler = otelhttp.NewHandler(mux, "hushd")
	}
	httpSrv := &http.Server{
		Handler: httpHandler,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	s := &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server"),
		res:        res,
		session:    sess,
		latch:      latch,
		handler:    handler,
		httpSrv:    httpSrv,
		clock:      serverClock,
		telemetry:  telemetry,
		sessionID:  sessionID,
		token:      token,
		secretPath: secretPath,
		readyCh:    make(chan struct{}),
		stopped:    make(chan struct{}),
		forceCh:    make(chan struct{}),
	}
	go s.stopOnLatch()
	return s, nil
}

func openResponder(cfg Config) (resource.Responder, error) {
	if cfg.StdinMode() {
		name := cfg.Name
		if name == "" {
			name = DefaultStdinName
		}
		if len(cfg.StdinData) == 0 {
			return nil, fmt.Errorf("config: stdin mode requires piped input (or use --secret-file)")
		}
		return resource.NewBuffer(name, cfg.StdinData), nil
	}
	return resource.NewFile(cfg.SecretFile)
}

// Handler returns the underlying HTTP handler so the gate can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the sharing session has
// stopped. It returns nil when the session ended via the shutdown latch;
// inspect StopReason to learn why.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr())
	if err != nil {
		return s.failStart(fmt.Errorf("listen (%s): %w", s.listenAddr(), err))
	}
	advertised, err := netutil.Advertised(s.cfg.BindIP)
	if err != nil {
		_ = ln.Close()
		return s.failStart(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	shareURL := "http://" + net.JoinHostPort(advertised.String(), strconv.Itoa(port)) + "/" + s.token + "/" + url.PathEscape(s.urlName())

	s.mu.Lock()
	s.listener = ln
	s.shareURL = shareURL
	s.mu.Unlock()

	if s.cfg.Watch {
		if f, ok := s.res.(*resource.File); ok {
			watcher, werr := watch.New(f.Path(), s.logger, func(event string) {
				s.logger.Warn("server.resource_lost", "event", event, "path", f.Path())
				s.latch.Trip(session.ReasonResourceLost)
			})
			if werr != nil {
				_ = ln.Close()
				return s.failStart(fmt.Errorf("watch %s: %w", f.Path(), werr))
			}
			s.mu.Lock()
			s.watcher = watcher
			s.mu.Unlock()
		}
	}

	s.signalReady()
	s.logger.Info("server.listening",
		"address", ln.Addr().String(),
		"url", shareURL,
		"resource", s.res.Name(),
		"size", humanize.IBytes(uint64(s.res.Size())),
		"max_uses", s.session.MaxUses(),
		"max_failed", s.session.MaxFailedAttempts(),
	)

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		// The listener died underneath us; make sure the stop sequence runs
		// so telemetry and the watcher are released.
		s.latch.Trip(session.ReasonInterrupt)
		<-s.stopped
		return fmt.Errorf("http serve: %w", serveErr)
	}
	<-s.stopped
	return s.stopError()
}

// failStart makes sure the stop sequence runs when startup dies before
// serving, so telemetry gets flushed, then reports the startup error.
func (s *Server) failStart(err error) error {
	s.latch.Trip(session.ReasonInterrupt)
	<-s.stopped
	return err
}

// stopOnLatch waits for the first stop trigger and runs the teardown exactly
// once. It is started by NewServer so external Shutdown calls work even when
// Start was never invoked.
func (s *Server) stopOnLatch() {
	<-s.latch.Done()
	reason := s.latch.Reason()
	uses, fails := s.session.Counts()
	s.logger.Info("server.stopping", "reason", reason.String(), "uses", uses, "failed_attempts", fails)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.teardown(ctx, reason)
}

func (s *Server) teardown(ctx context.Context, reason session.StopReason) {
	s.stopOnce.Do(func() {
		var errs []error

		s.mu.Lock()
		watcher := s.watcher
		s.watcher = nil
		s.mu.Unlock()
		if watcher != nil {
			_ = watcher.Close()
		}

		if err := s.drainHTTP(ctx); err != nil {
			errs = append(errs, err)
		}

		s.mu.Lock()
		ln := s.listener
		s.listener = nil
		s.mu.Unlock()
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				// Do not let a listener close error block the exit.
				s.logger.Warn("server.listener_close_failed", "error", err)
			}
		}

		if s.telemetry != nil {
			telemetryCtx := ctx
			if telemetryCtx.Err() != nil {
				var cancel context.CancelFunc
				telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
			}
			if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
				errs = append(errs, err)
			}
		}

		uses, fails := s.session.Counts()
		s.logger.Info("server.stopped",
			"reason", reason.String(),
			"clean", reason.Clean(),
			"uses", uses,
			"failed_attempts", fails,
		)

		s.mu.Lock()
		s.stopErr = errors.Join(errs...)
		s.mu.Unlock()
		close(s.stopped)
	})
}

// drainHTTP lets in-flight deliveries finish within the drain grace, then
// force-closes whatever is still open.
func (s *Server) drainHTTP(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.httpSrv.Shutdown(context.Background())
	}()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case <-s.clock.After(s.cfg.DrainGrace):
	case <-ctx.Done():
	case <-s.forceCh:
	}
	_ = s.httpSrv.Close()
	if err := <-done; err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Shutdown stops the server if it is still running and waits for the stop
// sequence to complete. Safe to call multiple times and concurrently with a
// latch-triggered stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.latch.Trip(session.ReasonInterrupt)
	select {
	case <-s.stopped:
		return s.stopError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceClose aborts an in-progress drain, slamming open connections shut.
// Used when a second interrupt arrives while draining.
func (s *Server) ForceClose() {
	s.forceOnce.Do(func() {
		close(s.forceCh)
	})
	s.latch.Trip(session.ReasonInterrupt)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ShareURL returns the public URL of the shared resource. Empty until the
// server is ready.
func (s *Server) ShareURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shareURL
}

// MetricsAddr returns the bound address of the Prometheus scrape listener,
// or "" when metrics are disabled.
func (s *Server) MetricsAddr() string {
	return s.telemetry.MetricsAddr()
}

// PprofAddr returns the bound address of the pprof listener, or "" when
// pprof is disabled.
func (s *Server) PprofAddr() string {
	return s.telemetry.PprofAddr()
}

// SessionID returns the id correlating this run's log lines.
func (s *Server) SessionID() string {
	return s.sessionID
}

// StopReason reports which trigger fired the shutdown latch first, or
// session.ReasonNone while the server is still running.
func (s *Server) StopReason() session.StopReason {
	return s.latch.Reason()
}

// Counts returns the current delivery and failed-attempt counters.
func (s *Server) Counts() (uses, fails int) {
	return s.session.Counts()
}

func (s *Server) urlName() string {
	if s.cfg.Name != "" {
		return s.cfg.Name
	}
	return s.res.Name()
}

func (s *Server) listenAddr() string {
	host := ""
	if s.cfg.BindIP != "" {
		host = s.cfg.BindIP
	}
	return net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server. Primarily useful for diagnostics.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

func (s *Server) stopError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}

// StartServer starts a hushd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down and a channel that
// receives Start's result once the sharing session ends.
// Example:
//
//	cfg := hushd.Config{SecretFile: "/tmp/note.txt"}
//	srv, stop, err := hushd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		_ = srv.Close()
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
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
