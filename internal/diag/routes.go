package diag

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tierloop/internal/storage"
	"tierloop/internal/supervisor"
	"tierloop/pkg/eventgroup"
	logx "tierloop/pkg/logx"
)

// Handler builds the router. An empty token disables auth.
func (s *Service) Handler(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequests(s.log))
	r.Use(requireToken(token))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/stalls", s.handleStalls)
	r.Get("/events", s.handleEvents)
	r.Mount("/debug", middleware.Profiler())
	return r
}

type statusResponse struct {
	Group      *eventgroup.Snapshot `json:"group,omitempty"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
	Journal    bool                 `json:"journal"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.src.Group != nil && !s.src.Group.Snapshot().Alive {
		http.Error(w, "core loop not running", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if s.src.Group != nil {
		snap := s.src.Group.Snapshot()
		resp.Group = &snap
	}
	if s.src.Supervisor != nil {
		snap := s.src.Supervisor.Snapshot()
		resp.Supervisor = &snap
	}
	resp.Journal = s.src.Journal != nil
	respondJSON(w, http.StatusOK, resp)
}

func (s *Service) handleStalls(w http.ResponseWriter, r *http.Request) {
	q, ok := s.journalQuery(w, r)
	if !ok {
		return
	}
	out, err := s.src.Journal.RecentStalls(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if out == nil {
		out = []storage.StallRecord{}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, ok := s.journalQuery(w, r)
	if !ok {
		return
	}
	out, err := s.src.Journal.RecentEvents(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if out == nil {
		out = []storage.EventRecord{}
	}
	respondJSON(w, http.StatusOK, out)
}

// journalQuery reads ?loop=, ?limit= and ?since= (a duration back from now
// or an RFC 3339 time).
func (s *Service) journalQuery(w http.ResponseWriter, r *http.Request) (storage.Query, bool) {
	if s.src.Journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return storage.Query{}, false
	}
	v := r.URL.Query()
	q := storage.Query{Loop: strings.TrimSpace(v.Get("loop"))}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return q, false
		}
		q.Limit = min(n, 1000)
	}
	if raw := strings.TrimSpace(v.Get("since")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			q.Since = time.Now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, raw); err == nil {
			q.Since = t
		} else {
			http.Error(w, "since must be a duration or RFC 3339 time", http.StatusBadRequest)
			return q, false
		}
	}
	return q, true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func logRequests(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
			)
		})
	}
}
