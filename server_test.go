package hushd

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/hushd/internal/resource"
	"pkt.systems/hushd/internal/session"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		return 0, ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServerSharesOnceAndStopsClean(t *testing.T) {
	ts := StartTestServer(t,
		WithTestLogger(NewTestingLogger(t, pslog.InfoLevel)),
		WithTestResponder(resource.NewBuffer("note.txt", []byte("the launch code is 0000\n"))),
	)

	code, body := testGet(t, ts.ShareURL)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body != "the launch code is 0000\n" {
		t.Fatalf("unexpected body %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ts.Wait(ctx); err != nil {
		t.Fatalf("server stopped with error: %v", err)
	}
	if got := ts.Server.StopReason(); got != session.ReasonUsesExhausted {
		t.Fatalf("stop reason: got %v", got)
	}
	if !ts.Server.StopReason().Clean() {
		t.Fatal("uses-exhausted stop must be clean")
	}

	// The listener is gone; a second fetch must fail at the transport level.
	if _, err := http.Get(ts.ShareURL); err == nil {
		t.Fatal("expected connection error after shutdown")
	}
}

func TestServerShareURLShape(t *testing.T) {
	ts := StartTestServer(t)
	pattern := regexp.MustCompile(`^http://127\.0\.0\.1:\d+/[A-Za-z0-9]{42}/secret\.txt$`)
	if !pattern.MatchString(ts.ShareURL) {
		t.Fatalf("share URL %q does not match %s", ts.ShareURL, pattern)
	}
}

func TestServerConcurrentClientsGetExactlyMaxUses(t *testing.T) {
	const maxUses = 3
	const clients = 12
	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) {
			cfg.MaxUses = maxUses
			cfg.MaxFailedAttempts = clients + 1
		}),
		WithTestResponder(resource.NewBuffer("payload.bin", []byte("payload"))),
	)

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan string, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			resp, err := http.Get(ts.ShareURL)
			if err != nil {
				// Stragglers can hit a closed listener once the last
				// delivery has tripped the latch.
				results <- ""
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				results <- ""
				return
			}
			body, _ := io.ReadAll(resp.Body)
			results <- string(body)
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	delivered := 0
	for body := range results {
		if body == "payload" {
			delivered++
		} else if body != "" {
			t.Fatalf("unexpected body %q", body)
		}
	}
	if delivered != maxUses {
		t.Fatalf("expected exactly %d deliveries, got %d", maxUses, delivered)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ts.Wait(ctx); err != nil {
		t.Fatalf("server stopped with error: %v", err)
	}
	if got := ts.Server.StopReason(); got != session.ReasonUsesExhausted {
		t.Fatalf("stop reason: got %v", got)
	}
}

func TestServerAbuseLimitStopsNonClean(t *testing.T) {
	const maxFailed = 3
	ts := StartTestServer(t,
		WithTestLogger(NewTestingLogger(t, pslog.WarnLevel)),
		WithTestConfigFunc(func(cfg *Config) {
			cfg.MaxFailedAttempts = maxFailed
		}),
	)

	base := "http://" + ts.Addr().String()
	for i := 0; i < maxFailed; i++ {
		code, _ := testGet(t, base+"/guess")
		if code != 0 && code != http.StatusNotFound {
			t.Fatalf("miss %d: unexpected status %d", i+1, code)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ts.Wait(ctx); err != nil {
		t.Fatalf("server stopped with error: %v", err)
	}
	if got := ts.Server.StopReason(); got != session.ReasonAbuseLimit {
		t.Fatalf("stop reason: got %v", got)
	}
	if ts.Server.StopReason().Clean() {
		t.Fatal("abuse stop must not be clean")
	}
	_, fails := ts.Server.Counts()
	if fails != maxFailed {
		t.Fatalf("expected %d failed attempts, got %d", maxFailed, fails)
	}
}

func TestServerShutdownIdempotent(t *testing.T) {
	ts := StartTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ts.Server.Shutdown(ctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("shutdown %d: %v", i, err)
		}
	}
	if got := ts.Server.StopReason(); got != session.ReasonInterrupt {
		t.Fatalf("stop reason: got %v", got)
	}
	if !ts.Server.StopReason().Clean() {
		t.Fatal("interrupt stop must be clean")
	}
}

func TestServerInterruptRacesCounter(t *testing.T) {
	ts := StartTestServer(t,
		WithTestResponder(resource.NewBuffer("s", []byte("s"))),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		resp, err := http.Get(ts.ShareURL)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ts.Server.Shutdown(ctx)
	}()
	wg.Wait()

	reason := ts.Server.StopReason()
	if reason != session.ReasonUsesExhausted && reason != session.ReasonInterrupt {
		t.Fatalf("unexpected stop reason %v", reason)
	}
	// Whichever trigger won, the stop runs once and the reason never changes.
	got := ts.Server.StopReason()
	if got != reason {
		t.Fatalf("stop reason changed from %v to %v", reason, got)
	}
}

func TestServerCountersVisibleDuringRun(t *testing.T) {
	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) {
			cfg.MaxUses = 5
			cfg.MaxFailedAttempts = 50
		}),
		WithTestResponder(resource.NewBuffer("s", []byte("s"))),
	)

	base := "http://" + ts.Addr().String()
	testGet(t, ts.ShareURL)
	testGet(t, base+"/nope")
	testGet(t, base+"/also-nope")

	waitFor(t, 5*time.Second, "counters to settle", func() bool {
		uses, fails := ts.Server.Counts()
		return uses == 1 && fails == 2
	})
}

func TestStartServerHelperStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{BindIP: "127.0.0.1"}
	srv, stop, err := StartServer(ctx, cfg, WithResponder(resource.NewBuffer("s", []byte("s"))))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	if srv.ShareURL() == "" {
		t.Fatal("share URL must be set once ready")
	}
	cancel()
	waitFor(t, 10*time.Second, "context-triggered stop", func() bool {
		return srv.StopReason() != session.ReasonNone
	})
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestServerStopsWhenSecretFileRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	if err := os.WriteFile(path, []byte("s"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	ts := StartTestServer(t,
		WithTestLogger(NewTestingLogger(t, pslog.WarnLevel)),
		WithTestConfigFunc(func(cfg *Config) {
			cfg.SecretFile = path
		}),
	)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove secret: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ts.Wait(ctx); err != nil {
		t.Fatalf("server stopped with error: %v", err)
	}
	if got := ts.Server.StopReason(); got != session.ReasonResourceLost {
		t.Fatalf("stop reason: got %v", got)
	}
	if ts.Server.StopReason().Clean() {
		t.Fatal("resource-lost stop must not be clean")
	}
}

func TestServerStdinModeRequiresInput(t *testing.T) {
	_, err := NewServer(Config{})
	if err == nil {
		t.Fatal("expected error for stdin mode without data")
	}
}

func TestServerStdinDataServed(t *testing.T) {
	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) {
			cfg.StdinData = []byte("piped secret")
			cfg.Name = "env"
		}),
	)
	code, body := testGet(t, ts.ShareURL)
	if code != http.StatusOK || body != "piped secret" {
		t.Fatalf("stdin secret: code=%d body=%q", code, body)
	}
}
