// Package httpapi is the request gate: it routes every inbound request
// through the resource responder and moves exactly one of the session's two
// counters, forwarding limit hits into the shutdown latch.
package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"pkt.systems/hushd/internal/resource"
	"pkt.systems/hushd/internal/session"
	"pkt.systems/hushd/internal/svcfields"
	"pkt.systems/pslog"
)

// Config wires the gate's collaborators.
type Config struct {
	// Resource delivers the shared secret on a matched request.
	Resource resource.Responder
	// Session holds the delivery and abuse counters.
	Session *session.Session
	// Latch is consulted to short-circuit requests arriving after the stop
	// decision, and tripped when a counter reaches its limit.
	Latch *session.Latch
	// SecretPath is the full assigned path, "/<token>/<name>".
	SecretPath string
	// CountExhausted controls whether requests matching the secret path after
	// exhaustion move the abuse counter, or are ignored.
	CountExhausted bool
	Logger         pslog.Logger
	Metrics        *Metrics
}

// Handler serves the secret endpoint and the catch-all.
type Handler struct {
	res            resource.Responder
	session        *session.Session
	latch          *session.Latch
	secretPath     string
	countExhausted bool
	logger         pslog.Logger
	metrics        *Metrics
}

// New constructs the gate handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Handler{
		res:            cfg.Resource,
		session:        cfg.Session,
		latch:          cfg.Latch,
		secretPath:     cfg.SecretPath,
		countExhausted: cfg.CountExhausted,
		logger:         svcfields.WithSubsystem(logger, "gate"),
		metrics:        metrics,
	}
}

// Register mounts the gate on mux. A single catch-all route: the secret path
// is matched inside the handler, so the mux itself reveals nothing about
// which paths exist.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/", h.wrap(h.handle))
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, logger pslog.Logger)

func (h *Handler) wrap(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(
			"req_id", uuid.Must(uuid.NewV7()).String(),
			"method", r.Method,
			"remote", r.RemoteAddr,
		)
		ctx := pslog.ContextWithLogger(r.Context(), logger)
		fn(w, r.WithContext(ctx), logger)
	})
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, logger pslog.Logger) {
	if h.latch.Fired() {
		// The stop decision has been made; late requests must not move
		// either counter.
		h.metrics.Rejected.Inc()
		logger.Debug("hushd.gate.rejected_late")
		http.NotFound(w, r)
		return
	}

	// Only GET can deliver; anything else is indistinguishable from probing.
	if r.Method == http.MethodGet && r.URL.Path == h.secretPath {
		ok, last := h.session.Consume()
		if !ok {
			logger.Warn("hushd.gate.exhausted_hit", "counted", h.countExhausted)
			if h.countExhausted {
				h.miss(w, r, logger)
				return
			}
			http.NotFound(w, r)
			return
		}
		h.deliver(w, r, logger, last)
		return
	}

	h.miss(w, r, logger)
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request, logger pslog.Logger, last bool) {
	start := time.Now()
	err := h.res.Serve(w, r)
	h.metrics.DeliverSeconds.Observe(time.Since(start).Seconds())
	uses, _ := h.session.Counts()
	if err != nil {
		// The slot stays burned: a partially written response may already
		// have leaked the resource.
		logger.Error("hushd.gate.delivery_failed", "error", err, "use", uses, "max_uses", h.session.MaxUses())
	} else {
		h.metrics.Deliveries.Inc()
		logger.Info("hushd.gate.delivered", "name", h.res.Name(), "bytes", h.res.Size(), "use", uses, "max_uses", h.session.MaxUses())
	}
	if last {
		h.latch.Trip(session.ReasonUsesExhausted)
	}
}

func (h *Handler) miss(w http.ResponseWriter, r *http.Request, logger pslog.Logger) {
	limit := h.session.RecordMiss()
	h.metrics.Misses.Inc()
	_, fails := h.session.Counts()
	logger.Warn("hushd.gate.miss",
		"path", r.URL.Path,
		"count", fails,
		"threshold", h.session.MaxFailedAttempts())
	http.NotFound(w, r)
	if limit {
		h.latch.Trip(session.ReasonAbuseLimit)
	}
}
