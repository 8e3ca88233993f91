package hushd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/hushd/internal/clock"
	"pkt.systems/hushd/internal/resource"
)

// TestServer wraps a running hushd.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	ShareURL string
	Listener net.Addr
	Config   Config

	stop  func(context.Context) error
	errCh <-chan error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(writer).LogLevel(level).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Wait blocks until the sharing session ends and returns Start's result.
func (ts *TestServer) Wait(ctx context.Context) error {
	if ts == nil || ts.errCh == nil {
		return nil
	}
	select {
	case err := <-ts.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.Listener != nil {
		return ts.Listener
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

type testServerOptions struct {
	cfg          Config
	cfgSet       bool
	mutators     []func(*Config)
	logger       pslog.Logger
	clk          clock.Clock
	responder    resource.Responder
	startTimeout time.Duration
}

// TestServerOption customises StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields will be
// defaulted during validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
		o.cfgSet = true
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestLogger routes server logs through the supplied logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestClock injects a clock implementation.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clk = c
	}
}

// WithTestResponder injects the resource served by the test server.
func WithTestResponder(r resource.Responder) TestServerOption {
	return func(o *testServerOptions) {
		o.responder = r
	}
}

// WithTestStartTimeout bounds how long StartTestServer waits for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

func defaultTestConfig() Config {
	return Config{
		BindIP: "127.0.0.1",
		Port:   0,
	}
}

// StartTestServer boots a server on a loopback ephemeral port, serving an
// in-memory secret unless a responder or secret file is configured, and
// registers cleanup with t.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	o := testServerOptions{
		cfg:          defaultTestConfig(),
		startTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.cfgSet {
		o.cfg = defaultTestConfig()
	}
	for _, fn := range o.mutators {
		fn(&o.cfg)
	}
	serverOpts := []Option{}
	if o.logger != nil {
		serverOpts = append(serverOpts, WithLogger(o.logger))
	}
	if o.clk != nil {
		serverOpts = append(serverOpts, WithClock(o.clk))
	}
	responder := o.responder
	if responder == nil && o.cfg.StdinMode() && len(o.cfg.StdinData) == 0 {
		responder = resource.NewBuffer("secret.txt", []byte("test secret\n"))
	}
	if responder != nil {
		serverOpts = append(serverOpts, WithResponder(responder))
	}

	srv, err := NewServer(o.cfg, serverOpts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	readyCtx, cancel := context.WithTimeout(context.Background(), o.startTimeout)
	defer cancel()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		select {
		case serr := <-errCh:
			t.Fatalf("server failed to start: %v (ready wait: %v)", serr, err)
		default:
			t.Fatalf("server not ready: %v", err)
		}
	}

	var stopOnce sync.Once
	var stopErr error
	stop := func(ctx context.Context) error {
		stopOnce.Do(func() {
			if ctx == nil {
				ctx = context.Background()
			}
			if err := srv.Shutdown(ctx); err != nil {
				stopErr = err
				return
			}
			select {
			case err := <-errCh:
				stopErr = err
			case <-ctx.Done():
				stopErr = ctx.Err()
			}
		})
		return stopErr
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = stop(ctx)
	})

	return &TestServer{
		Server:   srv,
		ShareURL: srv.ShareURL(),
		Listener: srv.ListenerAddr(),
		Config:   o.cfg,
		stop:     stop,
		errCh:    errCh,
	}
}
