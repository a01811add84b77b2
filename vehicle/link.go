package vehicle

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"rov-surface/common"
)

var logger = log.New(os.Stdout, "[Vehicle-Link] ", log.LstdFlags|log.Lshortfile)

var (
	ErrNotConnected   = errors.New("vehicle link not connected")
	ErrQueueFull      = errors.New("vehicle publish queue full")
	ErrConnectTimeout = errors.New("timed out connecting to companion computer")
)

// Config представляет конфигурацию канала к бортовому компьютеру
type Config struct {
	Broker         string        `mapstructure:"broker"`          // Адрес брокера, например "tcp://192.168.2.2:1883"
	Username       string        `mapstructure:"username"`        // Имя пользователя (опционально)
	Password       string        `mapstructure:"password"`        // Пароль (опционально)
	ClientID       string        `mapstructure:"client_id"`       // ID клиента (генерируется если пустой)
	TopicPrefix    string        `mapstructure:"topic_prefix"`    // Префикс топиков
	QoS            byte          `mapstructure:"qos"`             // Quality of Service (0, 1, 2)
	KeepAlive      time.Duration `mapstructure:"keep_alive"`      // Интервал keep alive
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // Таймаут подключения и публикации
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`    // Без сообщений дольше этого - канал Down
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`   // Начальная задержка переподключения
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`   // Верхняя граница задержки
	PublishQueue   int           `mapstructure:"publish_queue"`   // Размер очереди публикации
}

// generateClientID генерирует случайный ID клиента
func generateClientID() string {
	return "rov-surface-" + uuid.NewString()[:8]
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://192.168.2.2:1883",
		ClientID:       generateClientID(),
		TopicPrefix:    "rov",
		QoS:            1,
		KeepAlive:      10 * time.Second,
		ConnectTimeout: 5 * time.Second,
		IdleTimeout:    5 * time.Second,
		ReconnectMin:   time.Second,
		ReconnectMax:   30 * time.Second,
		PublishQueue:   64,
	}
}

// ClientFactory создает MQTT клиента; в тестах подменяется моком
type ClientFactory func(opts *mqttLib.ClientOptions) mqttLib.Client

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evTelemetry
	evHeartbeat
	evResponse
	evMalformed
	evSendFailed
)

type rxEvent struct {
	kind      eventKind
	telemetry TelemetryMessage
	response  CommandResponse
	commandID string
	err       error
	at        time.Time
}

type outbound struct {
	commandID string
	payload   []byte
}

// Link владеет сетевым каналом к бортовому компьютеру
type Link struct {
	config    Config
	topics    Topics
	newClient ClientFactory
	now       func() time.Time
	recorder  common.AnomalyRecorder

	client      mqttLib.Client
	clientMutex sync.RWMutex

	queue      []rxEvent
	queueMutex sync.Mutex

	backoff      *common.Backoff
	backoffMutex sync.Mutex
	reconnecting atomic.Bool

	publishes chan outbound
	stopChan  chan struct{}
	stopMutex sync.Mutex // закрытие stopChan и wg.Add новых горутин
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// состояние ниже используется только из Poll/Send
	connected   bool
	downReason  string
	health      common.Health
	lastMessage time.Time
	seq         uint64
	pending     map[string]common.Handle

	// смещение часов бортового компьютера относительно часов станции,
	// фиксируется первой телеметрией после каждого подключения
	clockOffset time.Duration
	anchored    bool
}

// Option настраивает Link
type Option func(*Link)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(l *Link) { l.now = now }
}

// WithRecorder задает получателя аномалий протокола
func WithRecorder(r common.AnomalyRecorder) Option {
	return func(l *Link) { l.recorder = r }
}

// WithClientFactory подменяет создание MQTT клиента
func WithClientFactory(f ClientFactory) Option {
	return func(l *Link) { l.newClient = f }
}

// NewLink создает канал к бортовому компьютеру
func NewLink(config Config, opts ...Option) *Link {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.PublishQueue <= 0 {
		config.PublishQueue = DefaultConfig().PublishQueue
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	l := &Link{
		config:    config,
		topics:    NewTopics(config.TopicPrefix),
		newClient: mqttLib.NewClient,
		now:       time.Now,
		recorder:  common.NopRecorder{},
		backoff:   common.NewBackoff(config.ReconnectMin, config.ReconnectMax),
		publishes: make(chan outbound, config.PublishQueue),
		stopChan:  make(chan struct{}),
		pending:   make(map[string]common.Handle),
		health:    common.HealthDown,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start подключается к брокеру и запускает горутину публикации.
// Ошибка подключения при старте возвращается вызывающему.
func (l *Link) Start() error {
	logger.Printf("Starting vehicle link, broker: %s", l.config.Broker)

	if err := l.connect(); err != nil {
		return err
	}

	l.wg.Add(1)
	go l.publishLoop()

	logger.Println("Vehicle link started successfully")
	return nil
}

// Stop останавливает горутины и отключается от брокера
func (l *Link) Stop() error {
	l.stopOnce.Do(func() {
		logger.Println("Stopping vehicle link...")
		l.stopMutex.Lock()
		close(l.stopChan)
		l.stopMutex.Unlock()
		l.wg.Wait()

		if client := l.swapClient(nil); client != nil && client.IsConnected() {
			client.Disconnect(250)
			logger.Println("MQTT client disconnected")
		}
	})
	return nil
}

func (l *Link) clientOptions() *mqttLib.ClientOptions {
	opts := mqttLib.NewClientOptions()
	opts.AddBroker(l.config.Broker)
	opts.SetClientID(l.config.ClientID)
	opts.SetKeepAlive(l.config.KeepAlive)
	opts.SetPingTimeout(l.config.ConnectTimeout)
	opts.SetConnectTimeout(l.config.ConnectTimeout)
	// переподключением управляет Link: backoff сбрасывается только после первого сообщения
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)

	// Устанавливаем аутентификацию если задана
	if l.config.Username != "" && l.config.Password != "" {
		opts.SetUsername(l.config.Username)
		opts.SetPassword(l.config.Password)
	}

	opts.SetConnectionLostHandler(l.onConnectionLost)
	return opts
}

// connect создает клиента, подключается и подписывается на входящие топики
func (l *Link) connect() error {
	client := l.newClient(l.clientOptions())

	token := client.Connect()
	if !token.WaitTimeout(l.config.ConnectTimeout) {
		return fmt.Errorf("connect to %s: %w", l.config.Broker, ErrConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", l.config.Broker, err)
	}

	filters := map[string]byte{
		l.topics.Telemetry: l.config.QoS,
		l.topics.Heartbeat: l.config.QoS,
		l.topics.Response:  l.config.QoS,
	}
	token = client.SubscribeMultiple(filters, l.onMessage)
	if !token.WaitTimeout(l.config.ConnectTimeout) || token.Error() != nil {
		client.Disconnect(0)
		return fmt.Errorf("subscribe to %s/#: %v", l.config.TopicPrefix, token.Error())
	}

	l.swapClient(client)
	l.push(rxEvent{kind: evConnected, at: l.now()})
	logger.Printf("Connected to companion computer at %s", l.config.Broker)
	return nil
}

func (l *Link) swapClient(client mqttLib.Client) mqttLib.Client {
	l.clientMutex.Lock()
	defer l.clientMutex.Unlock()
	old := l.client
	l.client = client
	return old
}

func (l *Link) getClient() mqttLib.Client {
	l.clientMutex.RLock()
	defer l.clientMutex.RUnlock()
	return l.client
}

func (l *Link) push(ev rxEvent) {
	l.queueMutex.Lock()
	l.queue = append(l.queue, ev)
	l.queueMutex.Unlock()
}

func (l *Link) drain() []rxEvent {
	l.queueMutex.Lock()
	defer l.queueMutex.Unlock()
	events := l.queue
	l.queue = nil
	return events
}

// onConnectionLost вызывается paho при потере соединения
func (l *Link) onConnectionLost(client mqttLib.Client, err error) {
	logger.Printf("Connection lost: %v", err)
	l.clientMutex.Lock()
	if l.client == client {
		l.client = nil
	}
	l.clientMutex.Unlock()

	l.push(rxEvent{kind: evDisconnected, err: err, at: l.now()})
	l.startReconnect()
}

func (l *Link) startReconnect() {
	l.stopMutex.Lock()
	defer l.stopMutex.Unlock()
	select {
	case <-l.stopChan:
		return
	default:
	}
	if !l.reconnecting.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go l.reconnectLoop()
}

// reconnectLoop переподключается с экспоненциальной задержкой
func (l *Link) reconnectLoop() {
	defer l.wg.Done()
	defer l.reconnecting.Store(false)

	for {
		l.backoffMutex.Lock()
		delay := l.backoff.Next()
		attempt := l.backoff.Attempts()
		l.backoffMutex.Unlock()

		logger.Printf("Reconnecting to companion computer in %v (attempt %d)...", delay, attempt)
		select {
		case <-l.stopChan:
			return
		case <-time.After(delay):
		}

		if err := l.connect(); err != nil {
			logger.Printf("Reconnection failed: %v", err)
			l.push(rxEvent{kind: evDisconnected, err: err, at: l.now()})
			continue
		}
		return
	}
}

// onMessage обрабатывает входящие сообщения бортового компьютера
func (l *Link) onMessage(client mqttLib.Client, msg mqttLib.Message) {
	at := l.now()
	ev := rxEvent{at: at}

	switch msg.Topic() {
	case l.topics.Telemetry:
		ev.kind = evTelemetry
		if err := json.Unmarshal(msg.Payload(), &ev.telemetry); err != nil {
			ev = rxEvent{kind: evMalformed, err: fmt.Errorf("telemetry: %w", err), at: at}
		}
	case l.topics.Heartbeat:
		ev.kind = evHeartbeat
		var hb HeartbeatMessage
		if len(msg.Payload()) > 0 {
			if err := json.Unmarshal(msg.Payload(), &hb); err != nil {
				ev = rxEvent{kind: evMalformed, err: fmt.Errorf("heartbeat: %w", err), at: at}
			}
		}
	case l.topics.Response:
		ev.kind = evResponse
		if err := json.Unmarshal(msg.Payload(), &ev.response); err != nil || ev.response.CommandID == "" {
			ev = rxEvent{kind: evMalformed, err: fmt.Errorf("command response: %v", err), at: at}
		}
	default:
		ev = rxEvent{kind: evMalformed, err: fmt.Errorf("unexpected topic %s", msg.Topic()), at: at}
	}

	if ev.kind == evMalformed {
		logger.Printf("Discarded message: %v", ev.err)
	} else {
		// первый успешный обмен после подключения сбрасывает задержку
		l.backoffMutex.Lock()
		l.backoff.Reset()
		l.backoffMutex.Unlock()
	}
	l.push(ev)
}

// publishLoop публикует команды в порядке постановки в очередь
func (l *Link) publishLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			return
		case out := <-l.publishes:
			client := l.getClient()
			if client == nil {
				l.push(rxEvent{kind: evSendFailed, commandID: out.commandID, err: ErrNotConnected, at: l.now()})
				continue
			}

			token := client.Publish(l.topics.Request, l.config.QoS, false, out.payload)
			if !token.WaitTimeout(l.config.ConnectTimeout) {
				l.push(rxEvent{kind: evSendFailed, commandID: out.commandID, err: errors.New("publish timed out"), at: l.now()})
				continue
			}
			if err := token.Error(); err != nil {
				logger.Printf("Failed to publish command %s: %v", out.commandID, err)
				l.push(rxEvent{kind: evSendFailed, commandID: out.commandID, err: err, at: l.now()})
				continue
			}
			logger.Printf("Published command %s to %s", out.commandID, l.topics.Request)
		}
	}
}

// Send ставит команду в очередь публикации и возвращает квитанцию
func (l *Link) Send(intent common.CommandIntent) (common.Handle, error) {
	if !l.connected {
		return common.Handle{}, ErrNotConnected
	}
	if _, dup := l.pending[intent.CommandID]; dup {
		return common.Handle{}, fmt.Errorf("command %s already pending", intent.CommandID)
	}

	payload, err := json.Marshal(CommandRequest{
		CommandID: intent.CommandID,
		Name:      intent.Payload.Name,
		Args:      intent.Payload.Args,
		IssuedAt:  intent.IssuedAt,
	})
	if err != nil {
		return common.Handle{}, fmt.Errorf("failed to marshal command: %w", err)
	}

	select {
	case l.publishes <- outbound{commandID: intent.CommandID, payload: payload}:
	default:
		return common.Handle{}, ErrQueueFull
	}

	l.seq++
	h := common.Handle{
		CommandID:   intent.CommandID,
		Target:      common.TargetVehicle,
		Correlation: uint32(l.seq),
		SentAt:      l.now(),
	}
	l.pending[intent.CommandID] = h
	return h, nil
}

// Abandon забывает ожидающую команду
func (l *Link) Abandon(h common.Handle) {
	delete(l.pending, h.CommandID)
}

// Pending возвращает число команд, ожидающих ответа
func (l *Link) Pending() int {
	return len(l.pending)
}

// Health возвращает состояние канала по последнему Poll
func (l *Link) Health() common.Health {
	return l.health
}

// Poll забирает накопленные сообщения. Никогда не блокируется.
func (l *Link) Poll() []common.Input {
	var out []common.Input

	for _, ev := range l.drain() {
		switch ev.kind {
		case evConnected:
			l.connected = true
			l.lastMessage = ev.at
			l.anchored = false
		case evDisconnected:
			l.connected = false
			l.downReason = "unreachable"
			if ev.err != nil {
				l.downReason = "unreachable: " + ev.err.Error()
			}
		case evMalformed:
			l.recorder.RecordAnomaly(common.TargetVehicle, common.AnomalyMalformedMessage)
		case evSendFailed:
			if h, ok := l.pending[ev.commandID]; ok {
				delete(l.pending, ev.commandID)
				out = append(out, common.CommandOutcome{
					CommandID: h.CommandID,
					Target:    common.TargetVehicle,
					Result:    common.ResultFailed,
					Reason:    common.ReasonSendError,
					Detail:    ev.err.Error(),
					Timestamp: ev.at,
				})
			}
		case evHeartbeat:
			l.touch(ev.at)
		case evTelemetry:
			l.touch(ev.at)
			out = append(out, l.telemetryReadings(ev)...)
		case evResponse:
			l.touch(ev.at)
			if o, ok := l.resolve(ev); ok {
				out = append(out, o)
			}
		}
	}

	now := l.now()
	health := l.computeHealth(now)
	if health == common.HealthDown && l.health != common.HealthDown {
		out = append(out, l.timeOutPending(now)...)
	}
	if health != l.health {
		reason := ""
		if health == common.HealthDown {
			reason = l.downReason
			if l.connected {
				reason = fmt.Sprintf("no messages for %s", now.Sub(l.lastMessage).Round(time.Millisecond))
			}
		}
		logger.Printf("Vehicle link %s -> %s %s", l.health, health, reason)
		l.health = health
		out = append(out, common.LinkStatus{Target: common.TargetVehicle, Health: health, Reason: reason, Timestamp: now})
	}
	return out
}

func (l *Link) touch(at time.Time) {
	if at.After(l.lastMessage) {
		l.lastMessage = at
	}
}

func (l *Link) computeHealth(now time.Time) common.Health {
	if !l.connected {
		return common.HealthDown
	}
	since := now.Sub(l.lastMessage)
	switch {
	case since > l.config.IdleTimeout:
		return common.HealthDown
	case since > l.config.IdleTimeout/2:
		return common.HealthDegraded
	default:
		return common.HealthUp
	}
}

func (l *Link) timeOutPending(now time.Time) []common.Input {
	out := make([]common.Input, 0, len(l.pending))
	for id, h := range l.pending {
		out = append(out, common.CommandOutcome{
			CommandID: h.CommandID,
			Target:    common.TargetVehicle,
			Result:    common.ResultTimedOut,
			Reason:    common.ReasonLinkLost,
			Timestamp: now,
		})
		delete(l.pending, id)
	}
	return out
}

func (l *Link) resolve(ev rxEvent) (common.CommandOutcome, bool) {
	h, ok := l.pending[ev.response.CommandID]
	if !ok {
		logger.Printf("Response for unknown command %s", ev.response.CommandID)
		l.recorder.RecordAnomaly(common.TargetVehicle, common.AnomalyUnknownCorrelation)
		return common.CommandOutcome{}, false
	}
	delete(l.pending, ev.response.CommandID)

	outcome := common.CommandOutcome{
		CommandID: h.CommandID,
		Target:    common.TargetVehicle,
		Result:    common.ResultAcked,
		Detail:    ev.response.Detail,
		Timestamp: ev.at,
	}
	if ev.response.Status != StatusOK {
		outcome.Result = common.ResultFailed
		outcome.Reason = common.ReasonNack
	}
	return outcome, true
}

// telemetryReadings раскладывает сообщение телеметрии на показания по полям.
// Метка показания - время бортового компьютера, переведенное на часы станции:
// порядок сообщений внутри подключения сохраняется, а после перезагрузки
// бортового компьютера с отстающими часами показания не считаются устаревшими.
func (l *Link) telemetryReadings(ev rxEvent) []common.Input {
	ts := ev.at
	if companion := ev.telemetry.Timestamp; !companion.IsZero() {
		if !l.anchored {
			l.clockOffset = ev.at.Sub(companion)
			l.anchored = true
		}
		ts = companion.Add(l.clockOffset)
	}

	names := make([]string, 0, len(ev.telemetry.Fields))
	for name := range ev.telemetry.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]common.Input, 0, len(names))
	for _, name := range names {
		out = append(out, common.Reading{
			Source:    common.SourceVehicleTelemetry,
			Field:     name,
			Value:     fieldValue(ev.telemetry.Fields[name]),
			Timestamp: ts,
			Seq:       ev.telemetry.Seq,
		})
	}
	return out
}

// IsConnected возвращает true если клиент подключен к брокеру
func (l *Link) IsConnected() bool {
	client := l.getClient()
	return client != nil && client.IsConnected()
}
