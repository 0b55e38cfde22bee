// Command server is a minimal read-only HTTP introspector over the Redis
// keys a worker fleet maintains. It reads the same keys any Resque
// dashboard reads and exists so operators do not need a third-party
// dashboard just to see queue depths, failures, and worker liveness.
//
// Endpoints:
//
//	GET /queues        - queue names and pending depth
//	GET /stats         - global processed/failed counters
//	GET /failed        - a failed job envelope by id (?id=)
//	GET /workers       - registered worker ids
//
// It never mutates state: every handler is a GET against internal/queue,
// internal/stats, or the raw failed:<id> and workers keys.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/goresque/goresque/internal/config"
	"github.com/goresque/goresque/internal/logger"
	"github.com/goresque/goresque/internal/queue"
	"github.com/goresque/goresque/internal/redisconn"
	"github.com/goresque/goresque/internal/stats"
)

type server struct {
	conn  *redisconn.Conn
	queue *queue.Queue
	stats *stats.Stats
	log   logger.Logger
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func requireGet(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func (s *server) handleQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := s.queue.Queues(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type queueDepth struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	depths := make([]queueDepth, 0, len(names))
	for _, name := range names {
		size, err := s.queue.Size(ctx, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		depths = append(depths, queueDepth{Name: name, Size: size})
	}

	writeJSON(w, depths)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	processed, err := s.stats.Get(ctx, "processed")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	failed, err := s.stats.Get(ctx, "failed")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]int64{"processed": processed, "failed": failed})
}

func (s *server) handleFailed(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}
	raw, ok, err := s.conn.Get(r.Context(), "failed:"+id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, raw)
}

func (s *server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	members, err := s.conn.SMembers(r.Context(), "workers")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, members)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func setupRouter(s *server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/queues", enableCORS(requireGet(s.handleQueues)))
	mux.HandleFunc("/stats", enableCORS(requireGet(s.handleStats)))
	mux.HandleFunc("/failed", enableCORS(requireGet(s.handleFailed)))
	mux.HandleFunc("/workers", enableCORS(requireGet(s.handleWorkers)))
	return mux
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Close() }()
	serverLog := log.WithComponent(logger.ComponentServer).WithSource(logger.LogSourceInternal)

	conn, err := redisconn.New(redisconn.Config{
		Server:    cfg.RedisBackend,
		Database:  cfg.RedisDatabase,
		Namespace: cfg.RedisNamespace,
		Password:  cfg.RedisPassword,
	})
	if err != nil {
		serverLog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	s := &server{conn: conn, queue: queue.New(conn), stats: stats.New(conn), log: serverLog}

	addr := os.Getenv("SERVER_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           setupRouter(s),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverLog.Info("introspector listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil {
		serverLog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
