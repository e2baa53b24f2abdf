package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"digestd/internal/digest"
	rtsup "digestd/internal/runtime/supervisor"
	"digestd/internal/scheduler"
	"digestd/internal/storage"
)

// StatsSource exposes the coordinator counters.
type StatsSource interface {
	GetStats() scheduler.Stats
}

// Triggerer runs one digest on demand.
type Triggerer interface {
	TriggerForUser(ctx context.Context, userID string, c digest.Cadence) (scheduler.RunResult, error)
}

// Handlers are the application hooks the server exposes. Nil hooks leave
// their route unmounted.
type Handlers struct {
	Metrics http.Handler
	Stats   StatsSource
	Trigger Triggerer
	// Health returns nil while the process is healthy.
	Health func() error
	// Supervisor reports the application goroutines.
	Supervisor func() rtsup.Snapshot
}

// NewHandler builds the ops mux. It is used by the server and by tests.
func NewHandler(cfg Config, h Handlers) http.Handler {
	mux := http.NewServeMux()
	wrap := func(fn http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, fn) }

	// Liveness stays open so probes work without the token.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if h.Health != nil {
			if err := h.Health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if h.Metrics != nil {
		metrics := h.Metrics
		mux.HandleFunc("/metrics", wrap(metrics.ServeHTTP))
	}
	if h.Stats != nil {
		mux.HandleFunc("/stats", wrap(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, h.Stats.GetStats())
		}))
	}
	if h.Supervisor != nil {
		mux.HandleFunc("/debug/supervisor", wrap(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, h.Supervisor())
		}))
	}
	if h.Trigger != nil {
		mux.HandleFunc("/trigger", wrap(triggerHandler(h.Trigger)))
	}

	if cfg.Pprof {
		prefix := normalizePrefix(cfg.PprofPrefix)
		base := strings.TrimSuffix(prefix, "/")
		mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
		mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
		})
	}
	return mux
}

// triggerHandler serves POST /trigger?user=<id>&cadence=<daily|weekly|immediate>.
func triggerHandler(t Triggerer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		user := strings.TrimSpace(q.Get("user"))
		if user == "" {
			http.Error(w, "user is required", http.StatusBadRequest)
			return
		}
		var c digest.Cadence
		if raw := q.Get("cadence"); raw != "" {
			parsed, err := digest.ParseCadence(raw)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			c = parsed
		}

		res, err := t.TriggerForUser(r.Context(), user, c)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, res)
		case errors.Is(err, scheduler.ErrPassInProgress):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, scheduler.ErrStopped):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case res.Status == digest.StatusFailed:
			writeJSON(w, http.StatusBadGateway, res)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/; rewrite the path
// so custom prefixes work.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}

func applyRuntimeRates(cfg Config) {
	if !cfg.Pprof {
		return
	}
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}
