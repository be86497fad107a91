package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// FeedConfig configures a Feed.
type FeedConfig struct {
	// Address to listen on (default: 127.0.0.1:7375). Use port 0 for an
	// ephemeral port.
	Address string

	// Logger for feed activity (default: stderr with a "[feed] " prefix).
	Logger *log.Logger
}

// DefaultFeedConfig returns the defaults used by the daemon.
func DefaultFeedConfig() *FeedConfig {
	return &FeedConfig{
		Address: "127.0.0.1:7375",
	}
}

// Feed streams sync events to websocket clients as JSON text frames. New
// clients receive the last observed event immediately after connecting.
type Feed struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	events chan Event
	status Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewFeed creates a Feed. Call Start to begin listening.
func NewFeed(config *FeedConfig) *Feed {
	if config == nil {
		config = DefaultFeedConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}
	addr := config.Address
	if addr == "" {
		addr = DefaultFeedConfig().Address
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		addr:    addr,
		clients: make(map[*websocket.Conn]struct{}),
		events:  make(chan Event, 100),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Attach forwards every event on bus to the feed. It returns the unsubscribe
// function.
func (f *Feed) Attach(bus *Bus) func() {
	return bus.OnSyncEvent(f.Publish)
}

// Start listens and serves /ws and /health in the background.
func (f *Feed) Start() error {
	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", f.addr, err)
	}
	f.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWebSocket)
	mux.HandleFunc("/health", f.handleHealth)

	f.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	f.wg.Add(1)
	go f.broadcastLoop()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.logger.Printf("streaming sync events on ws://%s/ws", ln.Addr())
		if err := f.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Printf("ERROR: feed server: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (f *Feed) Stop() error {
	f.cancel()

	f.clientsMu.Lock()
	for conn := range f.clients {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(f.clients, conn)
	}
	f.clientsMu.Unlock()

	if f.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down feed: %w", err)
		}
	}
	f.wg.Wait()
	return nil
}

// Publish queues ev for delivery. Events are dropped when the queue is full.
func (f *Feed) Publish(ev Event) {
	f.status.Observe(ev)
	select {
	case f.events <- ev:
	case <-f.ctx.Done():
	default:
		f.logger.Printf("WARNING: event queue full, dropping %s event", ev.Type)
	}
}

func (f *Feed) broadcastLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case ev := <-f.events:
			data, err := json.Marshal(ev)
			if err != nil {
				f.logger.Printf("ERROR: failed to marshal event: %v", err)
				continue
			}

			f.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(f.clients))
			for conn := range f.clients {
				clients = append(clients, conn)
			}
			f.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := f.write(conn, data); err != nil {
					f.removeClient(conn)
				}
			}
		}
	}
}

func (f *Feed) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(f.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (f *Feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		f.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	f.clientsMu.Lock()
	f.clients[conn] = struct{}{}
	f.clientsMu.Unlock()

	if ev, ok := f.status.Last(); ok {
		if data, err := json.Marshal(ev); err == nil {
			_ = f.write(conn, data)
		}
	}

	f.wg.Add(1)
	go f.readLoop(conn)
}

// readLoop drains client frames until the connection closes.
func (f *Feed) readLoop(conn *websocket.Conn) {
	defer f.wg.Done()
	defer f.removeClient(conn)
	for {
		if _, _, err := conn.Read(f.ctx); err != nil {
			return
		}
	}
}

func (f *Feed) removeClient(conn *websocket.Conn) {
	f.clientsMu.Lock()
	_, ok := f.clients[conn]
	delete(f.clients, conn)
	f.clientsMu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

type feedHealth struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Sync    string `json:"sync"`
}

func (f *Feed) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(feedHealth{
		Status:  "ok",
		Clients: f.ClientCount(),
		Sync:    f.status.Text(),
	})
}

// Addr returns the listening address, or the configured one before Start.
func (f *Feed) Addr() string {
	if f.listener != nil {
		return f.listener.Addr().String()
	}
	return f.addr
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	return len(f.clients)
}
