// Package httpapi exposes CoreRuntime's operator-facing HTTP surface: health
// and diagnostics endpoints in the teacher's mux-per-handler style, plus a
// test-issuer login endpoint that mints the JWT a client presents in Hello.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"muruntime/internal/directory"
	"muruntime/internal/telemetry"
	"muruntime/internal/token"
	"muruntime/logging"
)

// Snapshotter is the CoreRuntime surface httpapi renders. *runtime.Runtime
// satisfies it.
type Snapshotter interface {
	DirectorySnapshot() []directory.InstanceSnapshot
	SessionCount() int
	InstanceCount() int
}

// ConnectionCounter is the transport surface httpapi renders alongside
// Snapshotter. *transport.Server satisfies it.
type ConnectionCounter interface {
	ConnectionCount() int
}

// PersistenceGauge is the PersistenceWorker surface httpapi renders at
// /runtime/persistence. *persistence.Worker satisfies it.
type PersistenceGauge interface {
	BufferedCount() int
}

// LogStatter is the logging.Router surface httpapi renders at
// /runtime/stats. *logging.Router satisfies it.
type LogStatter interface {
	Stats() logging.RouterStats
}

// Config tunes the login test-issuer. AuthSecret must match the secret
// SessionManager's AuthVerifier was built with.
type Config struct {
	AuthSecret   []byte
	AuthTokenTTL time.Duration
	LoginEnabled bool
}

// DefaultConfig disables the login issuer; deployments turn it on
// explicitly for non-production auth flows (spec.md §6's account service is
// out of scope, so this is the closest a self-contained deployment gets to
// one).
func DefaultConfig() Config {
	return Config{AuthTokenTTL: time.Hour}
}

// NewHandler builds the mux, grounded on the teacher's NewHTTPHandler:
// health check first, then a set of read-only JSON diagnostics endpoints,
// a Prometheus scrape endpoint, then (if enabled) the login test-issuer.
// persist may be nil when the caller has no PersistenceWorker to report on
// (e.g. a read replica or a test harness). logs may be nil when the caller
// has no logging.Router to report on.
func NewHandler(rt Snapshotter, conns ConnectionCounter, persist PersistenceGauge, logs LogStatter, logger telemetry.Logger, cfg Config) http.Handler {
	if logger == nil {
		logger = telemetry.WrapLogger(nil)
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/runtime/persistence", func(w http.ResponseWriter, r *http.Request) {
		if persist == nil {
			http.Error(w, "no persistence worker configured", http.StatusNotFound)
			return
		}
		writeJSON(w, logger, struct {
			BufferedEntries int `json:"bufferedEntries"`
		}{BufferedEntries: persist.BufferedCount()})
	})

	mux.HandleFunc("/runtime/worlds", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, worldsView(rt.DirectorySnapshot()))
	})

	mux.HandleFunc("/runtime/maps", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, rt.DirectorySnapshot())
	})

	mux.HandleFunc("/runtime/stats", func(w http.ResponseWriter, r *http.Request) {
		payload := struct {
			ServerTimeMs int64                `json:"serverTimeMs"`
			Sessions     int                  `json:"sessions"`
			Instances    int                  `json:"instances"`
			Connections  *int                 `json:"connections,omitempty"`
			Logging      *logging.RouterStats `json:"logging,omitempty"`
		}{
			ServerTimeMs: time.Now().UnixMilli(),
			Sessions:     rt.SessionCount(),
			Instances:    rt.InstanceCount(),
		}
		if conns != nil {
			count := conns.ConnectionCount()
			payload.Connections = &count
		}
		if logs != nil {
			stats := logs.Stats()
			payload.Logging = &stats
		}
		writeJSON(w, logger, payload)
	})

	if cfg.LoginEnabled {
		mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
			handleLogin(w, r, logger, cfg)
		})
	}

	return mux
}

type worldMapEntry struct {
	MapKind   string                       `json:"mapKind"`
	Instances []directory.InstanceSnapshot `json:"instances"`
}

type worldEntry struct {
	World string          `json:"world"`
	Maps  []worldMapEntry `json:"maps"`
}

// worldsView groups the flat instance list httpapi.Snapshotter exposes by
// world then map kind, since operators reason about deployments in those
// terms rather than a bare instance list.
func worldsView(snapshot []directory.InstanceSnapshot) []worldEntry {
	byWorld := make(map[string]map[string][]directory.InstanceSnapshot)
	order := make([]string, 0)
	for _, inst := range snapshot {
		byMapKind, ok := byWorld[inst.Route.World]
		if !ok {
			byMapKind = make(map[string][]directory.InstanceSnapshot)
			byWorld[inst.Route.World] = byMapKind
			order = append(order, inst.Route.World)
		}
		byMapKind[inst.Route.MapKind] = append(byMapKind[inst.Route.MapKind], inst)
	}

	out := make([]worldEntry, 0, len(order))
	for _, world := range order {
		maps := make([]worldMapEntry, 0, len(byWorld[world]))
		for mapKind, instances := range byWorld[world] {
			maps = append(maps, worldMapEntry{MapKind: mapKind, Instances: instances})
		}
		out = append(out, worldEntry{World: world, Maps: maps})
	}
	return out
}

type loginRequest struct {
	AccountID  string   `json:"accountId"`
	Characters []string `json:"characterIds"`
}

type loginResponse struct {
	AuthToken string `json:"authToken"`
}

func handleLogin(w http.ResponseWriter, r *http.Request, logger telemetry.Logger, cfg Config) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed login request", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		http.Error(w, "accountId required", http.StatusBadRequest)
		return
	}
	tok, err := token.Issue(cfg.AuthSecret, req.AccountID, req.AccountID, req.Characters, cfg.AuthTokenTTL)
	if err != nil {
		logger.Printf("httpapi: failed to issue auth token for %s: %v", req.AccountID, err)
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, logger, loginResponse{AuthToken: tok})
}

func writeJSON(w http.ResponseWriter, logger telemetry.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Printf("httpapi: failed to encode response: %v", err)
	}
}
