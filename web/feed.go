// Package web раздаёт события сессии браузерным клиентам по WebSocket.
package web

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"elm327-client/common"
	"elm327-client/obd"
)

var logger = log.New(os.Stdout, "[Feed] ", log.LstdFlags|log.Lshortfile)

// SetLogOutput перенаправляет лог фида
func SetLogOutput(w io.Writer) { logger.SetOutput(w) }

// Source - часть сессии, которую читает фид
type Source interface {
	Subscribe(buffer int) (<-chan obd.Event, func())
	Snapshot() common.TelemetrySnapshot
	State() obd.State
	Protocol() string
}

// Status - ответ /api/state
type Status struct {
	State    obd.State `json:"state"`
	Protocol string    `json:"protocol,omitempty"`
	Name     string    `json:"protocol_name,omitempty"`
	Stamp    int64     `json:"stamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed пересылает каждое событие всем подключённым клиентам
type Feed struct {
	source   Source
	upgrader websocket.Upgrader

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
}

// New создаёт фид поверх источника событий
func New(source Source) *Feed {
	return &Feed{
		source:  source,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler возвращает маршруты фида
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWS)
	mux.HandleFunc("/api/snapshot", f.handleSnapshot)
	mux.HandleFunc("/api/state", f.handleState)
	return mux
}

// Run слушает addr и рассылает события до отмены ctx
func (f *Feed) Run(ctx context.Context, addr string) error {
	events, unsubscribe := f.source.Subscribe(256)
	defer unsubscribe()
	go f.forward(ctx, events)

	srv := &http.Server{
		Addr:    addr,
		Handler: f.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Printf("Listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// forward пересылает события шины клиентам
func (f *Feed) forward(ctx context.Context, events <-chan obd.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.Broadcast(ev)
		}
	}
}

// Broadcast отправляет событие всем клиентам; медленные клиенты пропускают кадр
func (f *Feed) Broadcast(ev obd.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Printf("Failed to marshal %s event: %v", ev.Type, err)
		return
	}

	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	for client := range f.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Clients возвращает число подключённых клиентов
func (f *Feed) Clients() int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	return len(f.clients)
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("Upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// первым кадром идёт текущее состояние
	snap := f.source.Snapshot()
	if data, err := json.Marshal(obd.Event{
		Type:     obd.EventState,
		Time:     time.Now(),
		State:    f.source.State(),
		Snapshot: &snap,
	}); err == nil {
		client.send <- data
	}

	f.clientsMu.Lock()
	f.clients[client] = struct{}{}
	total := len(f.clients)
	f.clientsMu.Unlock()
	logger.Printf("Client connected (%d total)", total)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			f.clientsMu.Lock()
			delete(f.clients, client)
			total := len(f.clients)
			f.clientsMu.Unlock()
			close(client.send)
			logger.Printf("Client disconnected (%d total)", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (f *Feed) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, f.source.Snapshot())
}

func (f *Feed) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := Status{
		State:    f.source.State(),
		Protocol: f.source.Protocol(),
		Stamp:    time.Now().UnixMilli(),
	}
	if status.Protocol != "" {
		status.Name = obd.ProtocolName(status.Protocol)
	}
	writeJSON(w, status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
