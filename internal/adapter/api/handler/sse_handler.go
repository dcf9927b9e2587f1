package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
)

// keepaliveInterval is how often idle SSE connections get a comment line so
// proxies do not reap them.
const keepaliveInterval = 15 * time.Second

// SSEBroker manages SSE client connections and broadcasts every accepted
// event to them as it arrives.
type SSEBroker struct {
	logger  *slog.Logger
	gauge   prometheus.Gauge
	clients map[chan []byte]struct{}
	mu      sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewSSEBroker creates a new SSEBroker. The gauge tracks the connected
// client count and may be nil.
func NewSSEBroker(logger *slog.Logger, clientGauge prometheus.Gauge) *SSEBroker {
	return &SSEBroker{
		logger:  logger,
		gauge:   clientGauge,
		clients: make(map[chan []byte]struct{}),
		done:    make(chan struct{}),
	}
}

// ServeHTTP handles new client connections for the SSE stream.
func (b *SSEBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Buffered so a briefly stalled client does not immediately lose events.
	messageChan := make(chan []byte, 16)
	b.addClient(messageChan)
	defer b.removeClient(messageChan)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case msg, ok := <-messageChan:
			if !ok {
				return // Channel was closed
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// Publish broadcasts one event to every connected client.
func (b *SSEBroker) Publish(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("failed to marshal SSE event", "error", err)
		return
	}
	b.broadcast(data)
}

// Close disconnects every client. Further Publish calls are no-ops.
func (b *SSEBroker) Close() {
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		delete(b.clients, client)
		close(client)
		if b.gauge != nil {
			b.gauge.Dec()
		}
	}
}

func (b *SSEBroker) addClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	if b.gauge != nil {
		b.gauge.Inc()
	}
	b.logger.Info("SSE client connected")
}

func (b *SSEBroker) removeClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client)
		if b.gauge != nil {
			b.gauge.Dec()
		}
		b.logger.Info("SSE client disconnected")
	}
}

func (b *SSEBroker) broadcast(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client <- msg:
		default:
			// Client channel is full, maybe slow client.
			// We don't block the broadcast for one slow client.
		}
	}
}
