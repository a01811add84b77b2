package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rov-surface/common"
	"rov-surface/fuser"
)

var logger = log.New(os.Stdout, "[GUI-Gateway] ", log.LstdFlags|log.Lshortfile)

// Config представляет настройки шлюза интерфейса оператора
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	SendBuffer   int           `mapstructure:"send_buffer"`   // сообщений в очереди клиента
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // таймаут записи в websocket
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Addr:         ":8080",
		SendBuffer:   32,
		WriteTimeout: 5 * time.Second,
	}
}

// Station то, что шлюз использует от управляющего цикла
type Station interface {
	SubmitCommand(intent common.CommandIntent) (string, error)
	Snapshot() fuser.VehicleState
}

// Типы сообщений websocket
const (
	MsgState    = "state"
	MsgOutcome  = "outcome"
	MsgCommand  = "command"
	MsgAccepted = "accepted"
	MsgError    = "error"
)

// Message конверт сообщения websocket
type Message struct {
	Type      string                 `json:"type"`
	State     *fuser.VehicleState    `json:"state,omitempty"`
	Outcome   *common.CommandOutcome `json:"outcome,omitempty"`
	Intent    *common.CommandIntent  `json:"intent,omitempty"`
	CommandID string                 `json:"command_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Gateway отдает интерфейсу оператора снимки состояния и итоги команд
// через websocket и принимает от него намерения
type Gateway struct {
	config   Config
	station  Station
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader

	clients   map[uuid.UUID]*wsClient
	clientsMu sync.RWMutex
}

// New создает шлюз; gatherer обслуживает /metrics
func New(config Config, station Station, gatherer prometheus.Gatherer) *Gateway {
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultConfig().SendBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Gateway{
		config:   config,
		station:  station,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[uuid.UUID]*wsClient),
	}
}

// Handler возвращает маршруты /ws, /metrics и /healthz
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", g.handleHealth)
	return mux
}

// Run обслуживает HTTP до отмены ctx
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.config.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("GUI gateway listening on %s", g.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PublishState рассылает снимок всем клиентам. Не блокируется.
func (g *Gateway) PublishState(state fuser.VehicleState) {
	g.broadcast(Message{Type: MsgState, State: &state})
}

// PublishOutcome рассылает итог команды всем клиентам. Не блокируется.
func (g *Gateway) PublishOutcome(outcome common.CommandOutcome) {
	g.broadcast(Message{Type: MsgOutcome, Outcome: &outcome})
}

// Clients возвращает число подключенных клиентов
func (g *Gateway) Clients() int {
	g.clientsMu.RLock()
	defer g.clientsMu.RUnlock()
	return len(g.clients)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	s := g.station.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if s.LinkHealth.Actuator == common.HealthDown && s.LinkHealth.Vehicle == common.HealthDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"link_health": s.LinkHealth,
		"version":     s.Version,
	})
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, g.config.SendBuffer),
		done: make(chan struct{}),
	}

	snapshot := g.station.Snapshot()
	if data, err := json.Marshal(Message{Type: MsgState, State: &snapshot}); err == nil {
		client.send <- data
	}

	g.clientsMu.Lock()
	g.clients[client.id] = client
	g.clientsMu.Unlock()
	logger.Printf("Operator console %s connected from %s", client.id, r.RemoteAddr)

	go g.readPump(client)
	go g.writePump(client)
}

func (g *Gateway) readPump(client *wsClient) {
	defer func() {
		g.clientsMu.Lock()
		delete(g.clients, client.id)
		g.clientsMu.Unlock()
		close(client.done)
		client.conn.Close()
		logger.Printf("Operator console %s disconnected", client.id)
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		g.handleMessage(client, data)
	}
}

func (g *Gateway) writePump(client *wsClient) {
	for {
		select {
		case data := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Printf("Write to %s failed: %v", client.id, err)
				client.conn.Close()
				return
			}
		case <-client.done:
			return
		}
	}
}

// handleMessage принимает намерение оператора и отвечает command_id или ошибкой
func (g *Gateway) handleMessage(client *wsClient, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		g.reply(client, Message{Type: MsgError, Error: "invalid message: " + err.Error()})
		return
	}
	if msg.Type != MsgCommand || msg.Intent == nil {
		g.reply(client, Message{Type: MsgError, Error: "unsupported message type " + msg.Type})
		return
	}

	id, err := g.station.SubmitCommand(*msg.Intent)
	if err != nil {
		g.reply(client, Message{Type: MsgError, CommandID: msg.Intent.CommandID, Error: err.Error()})
		return
	}
	g.reply(client, Message{Type: MsgAccepted, CommandID: id})
}

func (g *Gateway) reply(client *wsClient, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Printf("Failed to marshal reply: %v", err)
		return
	}
	select {
	case client.send <- data:
	default:
		logger.Printf("Send buffer of %s full, reply dropped", client.id)
	}
}

func (g *Gateway) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Printf("Failed to marshal %s: %v", msg.Type, err)
		return
	}

	g.clientsMu.RLock()
	defer g.clientsMu.RUnlock()
	for _, client := range g.clients {
		select {
		case client.send <- data:
		default:
			logger.Printf("Send buffer of %s full, %s dropped", client.id, msg.Type)
		}
	}
}

func (g *Gateway) closeClients() {
	g.clientsMu.RLock()
	defer g.clientsMu.RUnlock()
	for _, client := range g.clients {
		_ = client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "station shutting down"),
			time.Now().Add(time.Second))
		client.conn.Close()
	}
}
