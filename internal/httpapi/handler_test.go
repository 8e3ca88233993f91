package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"pkt.systems/hushd/internal/resource"
	"pkt.systems/hushd/internal/session"
)

const testSecretPath = "/abcDEF123/secret.txt"

func newTestGate(t *testing.T, maxUses, maxFails int, countExhausted bool) (*Handler, *session.Session, *session.Latch) {
	t.Helper()
	sess := session.New(maxUses, maxFails)
	latch := session.NewLatch()
	h := New(Config{
		Resource:       resource.NewBuffer("secret.txt", []byte("secret: 42\n")),
		Session:        sess,
		Latch:          latch,
		SecretPath:     testSecretPath,
		CountExhausted: countExhausted,
	})
	return h, sess, latch
}

func serve(h *Handler, method, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	mux.ServeHTTP(rec, req)
	return rec
}

func TestGateDeliversThenExhausts(t *testing.T) {
	h, _, latch := newTestGate(t, 1, 3, true)

	rec := serve(h, http.MethodGet, testSecretPath)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if string(body) != "secret: 42\n" {
		t.Fatalf("unexpected body %q", body)
	}
	if !latch.Fired() || latch.Reason() != session.ReasonUsesExhausted {
		t.Fatalf("latch: fired=%v reason=%v", latch.Fired(), latch.Reason())
	}

	// After the stop decision the same path is a plain 404 and must not move
	// counters.
	rec = serve(h, http.MethodGet, testSecretPath)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after exhaustion, got %d", rec.Code)
	}
}

func TestGateMissesTripAbuseLimit(t *testing.T) {
	h, sess, latch := newTestGate(t, 1, 3, true)

	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodGet, "/favicon.ico")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("miss %d: expected 404, got %d", i+1, rec.Code)
		}
		if latch.Fired() {
			t.Fatalf("latch fired after %d misses", i+1)
		}
	}
	serve(h, http.MethodGet, "/favicon.ico")
	if !latch.Fired() || latch.Reason() != session.ReasonAbuseLimit {
		t.Fatalf("latch: fired=%v reason=%v", latch.Fired(), latch.Reason())
	}
	if _, fails := sess.Counts(); fails != 3 {
		t.Fatalf("expected 3 misses, got %d", fails)
	}
}

func TestGateLateRequestsDoNotCount(t *testing.T) {
	h, sess, latch := newTestGate(t, 1, 3, true)
	latch.Trip(session.ReasonInterrupt)

	rec := serve(h, http.MethodGet, "/anything")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	uses, fails := sess.Counts()
	if uses != 0 || fails != 0 {
		t.Fatalf("late request moved counters: uses=%d fails=%d", uses, fails)
	}
}

func TestGateNonGETIsMiss(t *testing.T) {
	h, sess, _ := newTestGate(t, 1, 10, true)
	rec := serve(h, http.MethodPost, testSecretPath)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for POST, got %d", rec.Code)
	}
	uses, fails := sess.Counts()
	if uses != 0 || fails != 1 {
		t.Fatalf("expected a miss, got uses=%d fails=%d", uses, fails)
	}
}

func TestGateExhaustedHitCountsByPolicy(t *testing.T) {
	h, sess, _ := newTestGate(t, 1, 10, true)
	serve(h, http.MethodGet, testSecretPath)

	// Latch fired on exhaustion; rearm a fresh gate sharing the session to
	// observe the exhausted-hit path in isolation.
	latch := session.NewLatch()
	h = New(Config{
		Resource:       resource.NewBuffer("secret.txt", []byte("x")),
		Session:        sess,
		Latch:          latch,
		SecretPath:     testSecretPath,
		CountExhausted: true,
	})
	serve(h, http.MethodGet, testSecretPath)
	if _, fails := sess.Counts(); fails != 1 {
		t.Fatalf("exhausted hit should count as miss, fails=%d", fails)
	}

	h = New(Config{
		Resource:       resource.NewBuffer("secret.txt", []byte("x")),
		Session:        sess,
		Latch:          latch,
		SecretPath:     testSecretPath,
		CountExhausted: false,
	})
	serve(h, http.MethodGet, testSecretPath)
	if _, fails := sess.Counts(); fails != 1 {
		t.Fatalf("ignored exhausted hit must not count, fails=%d", fails)
	}
}

func TestGateConcurrentRequestsServeExactlyN(t *testing.T) {
	const maxUses = 5
	const clients = 16
	h, sess, latch := newTestGate(t, maxUses, clients+1, true)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var wg sync.WaitGroup
	start := make(chan struct{})
	codes := make(chan int, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			resp, err := http.Get(srv.URL + testSecretPath)
			if err != nil {
				codes <- -1
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	close(start)
	wg.Wait()
	close(codes)

	okCount, nfCount := 0, 0
	for code := range codes {
		switch code {
		case http.StatusOK:
			okCount++
		case http.StatusNotFound:
			nfCount++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if okCount != maxUses {
		t.Fatalf("expected exactly %d deliveries, got %d (404s: %d)", maxUses, okCount, nfCount)
	}
	uses, _ := sess.Counts()
	if uses != maxUses {
		t.Fatalf("expected use count %d, got %d", maxUses, uses)
	}
	if !latch.Fired() {
		t.Fatal("latch should fire once uses are exhausted")
	}
}

func TestGateSequentialUses(t *testing.T) {
	const maxUses = 3
	h, _, latch := newTestGate(t, maxUses, 100, true)
	for i := 1; i <= maxUses; i++ {
		rec := serve(h, http.MethodGet, testSecretPath)
		if rec.Code != http.StatusOK {
			t.Fatalf("use %d: expected 200, got %d", i, rec.Code)
		}
		if i < maxUses && latch.Fired() {
			t.Fatalf("latch fired early at use %d", i)
		}
	}
	if !latch.Fired() {
		t.Fatal("latch should have fired on the final use")
	}
}

func TestGateMissLogsDistinctPaths(t *testing.T) {
	h, sess, _ := newTestGate(t, 1, 100, true)
	for i := 0; i < 5; i++ {
		serve(h, http.MethodGet, fmt.Sprintf("/probe/%d", i))
	}
	if _, fails := sess.Counts(); fails != 5 {
		t.Fatalf("expected 5 misses, got %d", fails)
	}
}
