package actuator

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"rov-surface/common"
	"rov-surface/frame"
)

var logger = log.New(os.Stdout, "[Actuator-Link] ", log.LstdFlags|log.Lshortfile)

var (
	ErrNotConnected = errors.New("actuator link not connected")
	ErrQueueFull    = errors.New("actuator write queue full")
)

// Config представляет конфигурацию канала к микроконтроллеру
type Config struct {
	Device       string        `mapstructure:"device"`        // Путь к устройству, например "/dev/ttyACM0"
	Baud         int           `mapstructure:"baud"`          // Скорость порта
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`  // Без кадров дольше этого - канал Down
	ReconnectMin time.Duration `mapstructure:"reconnect_min"` // Начальная задержка переподключения
	ReconnectMax time.Duration `mapstructure:"reconnect_max"` // Верхняя граница задержки
	WriteQueue   int           `mapstructure:"write_queue"`   // Размер очереди записи
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Device:       "/dev/ttyACM0",
		Baud:         115200,
		IdleTimeout:  3 * time.Second,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 10 * time.Second,
		WriteQueue:   64,
	}
}

// Opener открывает последовательный порт
type Opener func() (io.ReadWriteCloser, error)

type eventKind int

const (
	evFrame eventKind = iota
	evMalformed
	evConnected
	evDisconnected
	evSendFailed
)

// rxEvent событие рабочей горутины, ожидающее Poll
type rxEvent struct {
	kind  eventKind
	frame frame.Frame
	corr  uint16
	err   error
	at    time.Time
}

type outbound struct {
	corr      uint16
	commandID string
	data      []byte
}

// Link владеет последовательным каналом к микроконтроллеру.
// Блокирующий ввод-вывод выполняется рабочими горутинами, наружу
// виден только неблокирующий Poll.
type Link struct {
	config   Config
	open     Opener
	now      func() time.Time
	recorder common.AnomalyRecorder

	conn      io.ReadWriteCloser
	connMutex sync.RWMutex

	queue      []rxEvent
	queueMutex sync.Mutex

	writes   chan outbound
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	decoder  frame.Decoder

	// состояние ниже используется только из Poll/Send (поток управляющего цикла)
	connected bool
	health    common.Health
	lastFrame time.Time
	nextCorr  uint16
	seq       uint64
	pending   map[uint16]common.Handle
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

// NewLink создает канал; open вызывается при старте и при каждом переподключении
func NewLink(config Config, open Opener, opts ...Option) *Link {
	if config.WriteQueue <= 0 {
		config.WriteQueue = DefaultConfig().WriteQueue
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	l := &Link{
		config:   config,
		open:     open,
		now:      time.Now,
		recorder: common.NopRecorder{},
		writes:   make(chan outbound, config.WriteQueue),
		stopChan: make(chan struct{}),
		pending:  make(map[uint16]common.Handle),
		health:   common.HealthDown,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start открывает порт и запускает рабочие горутины.
// Ошибка открытия при старте возвращается вызывающему.
func (l *Link) Start() error {
	logger.Printf("Starting actuator link on %s", l.config.Device)

	conn, err := l.open()
	if err != nil {
		return fmt.Errorf("open actuator port %s: %w", l.config.Device, err)
	}
	if !l.adoptConnection(conn) {
		conn.Close()
		return ErrNotConnected
	}
	l.push(rxEvent{kind: evConnected, at: l.now()})

	l.wg.Add(1)
	go l.run(conn)

	l.wg.Add(1)
	go l.writeLoop()

	return nil
}

// Stop останавливает рабочие горутины и закрывает порт
func (l *Link) Stop() error {
	l.stopOnce.Do(func() {
		logger.Println("Stopping actuator link...")
		close(l.stopChan)
		l.closeConnection()
		l.wg.Wait()
		logger.Println("Actuator link stopped")
	})
	return nil
}

func (l *Link) stopping() bool {
	select {
	case <-l.stopChan:
		return true
	default:
		return false
	}
}

// adoptConnection публикует открытый порт, если Stop еще не вызван.
// Проверка и запись выполняются под одним захватом connMutex.
func (l *Link) adoptConnection(conn io.ReadWriteCloser) bool {
	l.connMutex.Lock()
	defer l.connMutex.Unlock()
	if l.stopping() {
		return false
	}
	l.conn = conn
	logger.Println("Serial connection established")
	return true
}

func (l *Link) getConnection() io.ReadWriteCloser {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return l.conn
}

// closeConnection закрывает текущее соединение; повторный вызов ничего не делает
func (l *Link) closeConnection() {
	l.connMutex.Lock()
	conn := l.conn
	l.conn = nil
	l.connMutex.Unlock()

	if conn != nil {
		conn.Close()
		logger.Println("Serial connection closed")
	}
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

// run читает порт, а после ошибки переоткрывает его с экспоненциальной задержкой
func (l *Link) run(conn io.ReadWriteCloser) {
	defer l.wg.Done()
	defer l.closeConnection()

	backoff := common.NewBackoff(l.config.ReconnectMin, l.config.ReconnectMax)
	for {
		if conn != nil {
			l.readLoop(conn, backoff)
			l.closeConnection()
			l.push(rxEvent{kind: evDisconnected, at: l.now()})
			conn = nil
		}

		delay := backoff.Next()
		select {
		case <-l.stopChan:
			return
		case <-time.After(delay):
		}

		logger.Printf("Attempting to reopen %s (attempt %d)", l.config.Device, backoff.Attempts())
		c, err := l.open()
		if err != nil {
			logger.Printf("Reconnection failed: %v", err)
			continue
		}
		l.decoder.Reset()
		if !l.adoptConnection(c) {
			c.Close()
			return
		}
		l.push(rxEvent{kind: evConnected, at: l.now()})
		conn = c
	}
}

// readLoop декодирует кадры до ошибки чтения
func (l *Link) readLoop(conn io.ReadWriteCloser, backoff *common.Backoff) {
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, errs := l.decoder.Feed(buf[:n])
			at := l.now()
			for _, f := range frames {
				l.push(rxEvent{kind: evFrame, frame: f, at: at})
			}
			for _, e := range errs {
				l.push(rxEvent{kind: evMalformed, err: e, at: at})
			}
			if len(frames) > 0 {
				backoff.Reset()
			}
		}
		if err != nil {
			if !l.stopping() {
				logger.Printf("Read error: %v", err)
			}
			return
		}
	}
}

// writeLoop пишет кадры в порт в порядке постановки в очередь
func (l *Link) writeLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			return
		case out := <-l.writes:
			conn := l.getConnection()
			if conn == nil {
				l.push(rxEvent{kind: evSendFailed, corr: out.corr, err: ErrNotConnected, at: l.now()})
				continue
			}
			if _, err := conn.Write(out.data); err != nil {
				logger.Printf("Write error for %s: %v", out.commandID, err)
				l.push(rxEvent{kind: evSendFailed, corr: out.corr, err: err, at: l.now()})
				l.closeConnection()
				continue
			}
			logger.Printf("Frame sent for command %s (corr %d)", out.commandID, out.corr)
		}
	}
}

// Send кодирует команду, ставит кадр в очередь записи и возвращает квитанцию
func (l *Link) Send(intent common.CommandIntent) (common.Handle, error) {
	if !l.connected {
		return common.Handle{}, ErrNotConnected
	}

	corr, err := l.allocCorrelation()
	if err != nil {
		return common.Handle{}, err
	}
	data, err := frame.EncodeCommand(intent.Payload, corr)
	if err != nil {
		return common.Handle{}, err
	}

	select {
	case l.writes <- outbound{corr: corr, commandID: intent.CommandID, data: data}:
	default:
		return common.Handle{}, ErrQueueFull
	}

	h := common.Handle{
		CommandID:   intent.CommandID,
		Target:      common.TargetActuator,
		Correlation: uint32(corr),
		SentAt:      l.now(),
	}
	l.pending[corr] = h
	return h, nil
}

// allocCorrelation выдает следующий свободный ненулевой идентификатор корреляции
func (l *Link) allocCorrelation() (uint16, error) {
	for i := 0; i < 1<<16; i++ {
		l.nextCorr++
		if l.nextCorr == 0 {
			continue
		}
		if _, busy := l.pending[l.nextCorr]; !busy {
			return l.nextCorr, nil
		}
	}
	return 0, errors.New("no free correlation ids")
}

// Abandon забывает ожидающую команду, например после таймаута маршрутизатора
func (l *Link) Abandon(h common.Handle) {
	corr := uint16(h.Correlation)
	if p, ok := l.pending[corr]; ok && p.CommandID == h.CommandID {
		delete(l.pending, corr)
	}
}

// Pending возвращает число команд, ожидающих ответа
func (l *Link) Pending() int {
	return len(l.pending)
}

// Health возвращает состояние канала по последнему Poll
func (l *Link) Health() common.Health {
	return l.health
}

// Poll забирает накопленные события и возвращает показания, итоги команд
// и смены состояния канала. Никогда не блокируется на вводе-выводе.
func (l *Link) Poll() []common.Input {
	var out []common.Input

	for _, ev := range l.drain() {
		switch ev.kind {
		case evConnected:
			l.connected = true
			l.lastFrame = ev.at
		case evDisconnected:
			l.connected = false
		case evMalformed:
			l.recorder.RecordAnomaly(common.TargetActuator, common.AnomalyMalformedFrame)
		case evSendFailed:
			if h, ok := l.pending[ev.corr]; ok {
				delete(l.pending, ev.corr)
				out = append(out, common.CommandOutcome{
					CommandID: h.CommandID,
					Target:    common.TargetActuator,
					Result:    common.ResultFailed,
					Reason:    common.ReasonSendError,
					Detail:    ev.err.Error(),
					Timestamp: ev.at,
				})
			}
		case evFrame:
			if ev.at.After(l.lastFrame) {
				l.lastFrame = ev.at
			}
			if in := l.handleFrame(ev); in != nil {
				out = append(out, in)
			}
		}
	}

	now := l.now()
	health := l.computeHealth(now)
	if health == common.HealthDown && l.health != common.HealthDown {
		out = append(out, l.linkLost(now)...)
	}
	if health != l.health {
		reason := ""
		if health == common.HealthDown {
			reason = l.downReason(now)
		}
		logger.Printf("Actuator link %s -> %s %s", l.health, health, reason)
		l.health = health
		out = append(out, common.LinkStatus{Target: common.TargetActuator, Health: health, Reason: reason, Timestamp: now})
	}
	return out
}

func (l *Link) computeHealth(now time.Time) common.Health {
	if !l.connected {
		return common.HealthDown
	}
	since := now.Sub(l.lastFrame)
	switch {
	case since > l.config.IdleTimeout:
		return common.HealthDown
	case since > l.config.IdleTimeout/2:
		return common.HealthDegraded
	default:
		return common.HealthUp
	}
}

func (l *Link) downReason(now time.Time) string {
	if !l.connected {
		return "port closed"
	}
	return fmt.Sprintf("no frames for %s", now.Sub(l.lastFrame).Round(time.Millisecond))
}

// linkLost переводит все ожидающие команды в TimedOut и закрывает молчащий порт
func (l *Link) linkLost(now time.Time) []common.Input {
	if l.connected {
		// порт открыт, но прошивка молчит: переоткрываем его
		l.connected = false
		l.closeConnection()
	}

	out := make([]common.Input, 0, len(l.pending))
	for corr, h := range l.pending {
		out = append(out, common.CommandOutcome{
			CommandID: h.CommandID,
			Target:    common.TargetActuator,
			Result:    common.ResultTimedOut,
			Reason:    common.ReasonLinkLost,
			Timestamp: now,
		})
		delete(l.pending, corr)
	}
	return out
}

func (l *Link) handleFrame(ev rxEvent) common.Input {
	f := ev.frame
	switch f.Opcode {
	case frame.OpHeartbeat:
		return nil
	case frame.OpAck, frame.OpNack:
		h, ok := l.pending[f.Correlation]
		if !ok {
			logger.Printf("Response for unknown correlation %d", f.Correlation)
			l.recorder.RecordAnomaly(common.TargetActuator, common.AnomalyUnknownCorrelation)
			return nil
		}
		delete(l.pending, f.Correlation)
		outcome := common.CommandOutcome{
			CommandID: h.CommandID,
			Target:    common.TargetActuator,
			Result:    common.ResultAcked,
			Timestamp: ev.at,
		}
		if f.Opcode == frame.OpNack {
			outcome.Result = common.ResultFailed
			outcome.Reason = common.ReasonNack
			outcome.Detail = frame.NackReason(f)
		}
		return outcome
	case frame.OpValveState:
		vs, err := frame.DecodeValveState(f)
		if err != nil {
			logger.Printf("Bad valve state frame: %v", err)
			l.recorder.RecordAnomaly(common.TargetActuator, common.AnomalyMalformedFrame)
			return nil
		}
		l.seq++
		return common.Reading{
			Source:    common.SourceActuatorTelemetry,
			Field:     ValveField(vs.Valve),
			Value:     common.Number(float64(vs.Position)),
			Timestamp: ev.at,
			Seq:       l.seq,
		}
	default:
		logger.Printf("Unexpected frame from microcontroller: %s", f.Opcode)
		l.recorder.RecordAnomaly(common.TargetActuator, common.AnomalyMalformedFrame)
		return nil
	}
}

// ValveField возвращает имя поля состояния для клапана
func ValveField(valve int) string {
	return fmt.Sprintf("valve/%d", valve)
}
