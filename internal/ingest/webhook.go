// Package ingest provides a push-based webhook receiver. Platforms that
// support event subscriptions can deliver activity here instead of waiting
// for the next poll cycle.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/connector"
)

// RecordHandler consumes accepted records, usually by buffering them for
// the next analysis window.
type RecordHandler func(ctx context.Context, records []connector.RawRecord) error

// ReceiverStats tracks receiver counters.
type ReceiverStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsDropped  int64     `json:"events_dropped"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// Receiver accepts pushed activity events over HTTP. Authentication is
// fail-closed: if the shared token is not configured every request is
// rejected, and tokens are only accepted from the Authorization header,
// never from the query string where proxies would log them.
type Receiver struct {
	config  config.IngestConfig
	handler RecordHandler
	logger  *zap.Logger
	server  *http.Server

	mu    sync.RWMutex
	stats ReceiverStats
}

// PushEvent is the wire form of one pushed activity event.
type PushEvent struct {
	ID        string         `json:"id"`
	Platform  string         `json:"platform"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data"`
}

type pushResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// NewReceiver creates a webhook receiver.
func NewReceiver(cfg config.IngestConfig, handler RecordHandler, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		config:  cfg,
		handler: handler,
		logger:  logger,
	}
}

// Handler builds the receiver's route tree.
func (r *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/v1/events", r.handleEvents)
	mux.HandleFunc("/webhooks/v1/health", r.handleHealth)
	return mux
}

// Start listens for pushed events until ctx is cancelled.
func (r *Receiver) Start(ctx context.Context) error {
	r.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", r.config.Port),
		Handler:      r.Handler(),
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.server.Shutdown(shutdownCtx)
	}()

	r.logger.Info("webhook receiver listening", zap.Int("port", r.config.Port))
	return r.server.ListenAndServe()
}

// Stats returns current receiver counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *Receiver) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, `{"error":"method not allowed"}`)
		return
	}
	if !r.authorize(req) {
		writeJSON(w, http.StatusUnauthorized, `{"error":"invalid token"}`)
		return
	}

	maxBody := int64(r.config.MaxEventSize)
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, `{"error":"error reading body"}`)
		return
	}
	if int64(len(body)) > maxBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, `{"error":"payload too large"}`)
		return
	}

	events, err := parsePush(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, `{"error":"`+err.Error()+`"}`)
		return
	}
	if len(events) > r.config.MaxBatchSize {
		writeJSON(w, http.StatusBadRequest, `{"error":"batch exceeds maximum size"}`)
		return
	}

	records, dropped := r.toRecords(events)

	r.mu.Lock()
	r.stats.EventsReceived += int64(len(records))
	r.stats.EventsDropped += int64(dropped)
	r.stats.BytesReceived += int64(len(body))
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler != nil && len(records) > 0 {
		if err := r.handler(req.Context(), records); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(len(records))
			r.mu.Unlock()
			writeJSON(w, http.StatusInternalServerError, `{"error":"error processing events"}`)
			return
		}
	}

	resp, _ := json.Marshal(pushResponse{Accepted: len(records), Dropped: dropped})
	writeJSON(w, http.StatusOK, string(resp))
}

func (r *Receiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, `{"status":"healthy"}`)
}

// authorize checks the shared bearer token. A missing server-side token
// rejects everything rather than allowing everything.
func (r *Receiver) authorize(req *http.Request) bool {
	expected := os.Getenv(r.config.TokenEnv)
	if expected == "" {
		r.logger.Warn("ingest token not configured, rejecting request",
			zap.String("token_env", r.config.TokenEnv))
		return false
	}
	if req.URL.Query().Has("token") {
		return false
	}
	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	return ok && token == expected
}

// toRecords converts valid pushed events to raw records. Events with an
// unknown platform or no payload are dropped, not fatal to the batch.
func (r *Receiver) toRecords(events []PushEvent) ([]connector.RawRecord, int) {
	records := make([]connector.RawRecord, 0, len(events))
	dropped := 0
	for _, ev := range events {
		platform, err := connector.ParsePlatform(ev.Platform)
		if err != nil || len(ev.Data) == 0 {
			dropped++
			continue
		}
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		records = append(records, connector.RawRecord{
			ID:        ev.ID,
			Platform:  platform,
			Timestamp: ts,
			Data:      ev.Data,
		})
	}
	return records, dropped
}

// parsePush accepts a JSON array or newline-delimited JSON objects.
func parsePush(body []byte) ([]PushEvent, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("empty body")
	}

	if trimmed[0] == '[' {
		var events []PushEvent
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, fmt.Errorf("malformed event array")
		}
		return events, nil
	}

	var events []PushEvent
	decoder := json.NewDecoder(strings.NewReader(trimmed))
	for decoder.More() {
		var ev PushEvent
		if err := decoder.Decode(&ev); err != nil {
			return nil, fmt.Errorf("malformed event")
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no valid events found")
	}
	return events, nil
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
