package station

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rov-surface/common"
	"rov-surface/fuser"
	"rov-surface/router"
)

var logger = log.New(os.Stdout, "[Control-Loop] ", log.LstdFlags|log.Lshortfile)

var (
	ErrStopped   = errors.New("control loop stopped")
	ErrQueueFull = errors.New("command intent queue full")
)

// Config представляет настройки управляющего цикла
type Config struct {
	Tick        time.Duration `mapstructure:"tick"`         // период такта
	IntentQueue int           `mapstructure:"intent_queue"` // емкость очереди намерений оператора
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{Tick: 100 * time.Millisecond, IntentQueue: 128}
}

// Poller источник входных данных с неблокирующим опросом
type Poller interface {
	Poll() []common.Input
}

// Observer получает сведения о каждом такте (метрики)
type Observer interface {
	ObserveInputs(inputs []common.Input)
	ObserveState(state fuser.VehicleState)
	ObserveTick(d time.Duration)
}

// TickRecorder сохраняет входные данные и результат такта (запись сессии)
type TickRecorder interface {
	RecordTick(tick uint64, at time.Time, inputs []common.Input, state fuser.VehicleState) error
}

// Sources опрашиваемые компоненты в порядке опроса
type Sources struct {
	Sensors  Poller
	Actuator Poller
	Vehicle  Poller
}

// Station управляющий цикл станции: опрос, слияние, публикация, команды.
// Все изменения состояния выполняются в одной горутине.
type Station struct {
	config   Config
	sources  Sources
	fuser    *fuser.Fuser
	router   *router.Router
	observer Observer
	recorder TickRecorder
	now      func() time.Time

	state   atomic.Pointer[fuser.VehicleState]
	tick    uint64
	intents chan common.CommandIntent

	idsMutex sync.Mutex
	ids      map[string]struct{} // command_id уникален в пределах сессии, набор не очищается

	subsMutex   sync.RWMutex
	stateSubs   []func(fuser.VehicleState)
	outcomeSubs []func(common.CommandOutcome)

	stopped  chan struct{}
	stopOnce sync.Once
}

// Option настраивает Station
type Option func(*Station)

// WithObserver подключает метрики
func WithObserver(o Observer) Option {
	return func(s *Station) { s.observer = o }
}

// WithTickRecorder подключает запись сессии
func WithTickRecorder(r TickRecorder) Option {
	return func(s *Station) { s.recorder = r }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(s *Station) { s.now = now }
}

// New создает управляющий цикл
func New(config Config, sources Sources, f *fuser.Fuser, r *router.Router, opts ...Option) *Station {
	if config.Tick <= 0 {
		config.Tick = DefaultConfig().Tick
	}
	if config.IntentQueue <= 0 {
		config.IntentQueue = DefaultConfig().IntentQueue
	}
	s := &Station{
		config:  config,
		sources: sources,
		fuser:   f,
		router:  r,
		now:     time.Now,
		intents: make(chan common.CommandIntent, config.IntentQueue),
		ids:     make(map[string]struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(&fuser.VehicleState{})
	return s
}

// Subscribe регистрирует получателя опубликованных снимков.
// Вызывается в горутине цикла и не должен блокироваться.
func (s *Station) Subscribe(callback func(fuser.VehicleState)) {
	s.subsMutex.Lock()
	s.stateSubs = append(s.stateSubs, callback)
	s.subsMutex.Unlock()
}

// SubscribeOutcomes регистрирует получателя итогов команд
func (s *Station) SubscribeOutcomes(callback func(common.CommandOutcome)) {
	s.subsMutex.Lock()
	s.outcomeSubs = append(s.outcomeSubs, callback)
	s.subsMutex.Unlock()
}

// Snapshot возвращает последний опубликованный снимок
func (s *Station) Snapshot() fuser.VehicleState {
	return *s.state.Load()
}

// SubmitCommand ставит намерение оператора в очередь и возвращает его command_id.
// Пустой command_id генерируется. Команда будет обработана в конце ближайшего такта.
func (s *Station) SubmitCommand(intent common.CommandIntent) (string, error) {
	if intent.CommandID == "" {
		intent.CommandID = uuid.NewString()
	}
	if intent.IssuedAt.IsZero() {
		intent.IssuedAt = s.now()
	}

	// shutdown закрывает stopped под этим же мьютексом: после закрытия
	// в очередь ничего не попадает
	s.idsMutex.Lock()
	defer s.idsMutex.Unlock()
	select {
	case <-s.stopped:
		return "", ErrStopped
	default:
	}
	if _, dup := s.ids[intent.CommandID]; dup {
		return "", fmt.Errorf("%w: %s", router.ErrDuplicateCommand, intent.CommandID)
	}

	select {
	case s.intents <- intent:
	default:
		return "", ErrQueueFull
	}
	s.ids[intent.CommandID] = struct{}{}
	return intent.CommandID, nil
}

// Run выполняет такты до отмены ctx, затем останавливает источники
func (s *Station) Run(ctx context.Context) error {
	logger.Printf("Control loop started, tick %v", s.config.Tick)
	defer s.shutdown()

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Println("Control loop stopping...")
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick выполняет один такт: опрос источников, сверка команд, слияние,
// публикация снимка и обработка очереди намерений
func (s *Station) Tick() {
	start := time.Now()
	s.tick++

	var inputs []common.Input
	for _, p := range []Poller{s.sources.Sensors, s.sources.Actuator, s.sources.Vehicle} {
		if p != nil {
			inputs = append(inputs, p.Poll()...)
		}
	}
	inputs = s.router.Reconcile(inputs)

	next := s.commit(inputs)
	s.drainIntents(next)

	if s.observer != nil {
		s.observer.ObserveInputs(inputs)
		s.observer.ObserveState(next)
		s.observer.ObserveTick(time.Since(start))
	}
}

// commit сливает входные данные такта, записывает и публикует результат
func (s *Station) commit(inputs []common.Input) fuser.VehicleState {
	current := s.Snapshot()
	next := s.fuser.Fuse(current, inputs)
	next.PendingCommands = s.router.Pending()

	if s.recorder != nil {
		if err := s.recorder.RecordTick(s.tick, s.now(), inputs, next); err != nil {
			logger.Printf("Failed to record tick %d: %v", s.tick, err)
		}
	}

	s.state.Store(&next)
	s.publishOutcomes(inputs)
	if next.Version != current.Version {
		s.publishState(next)
	}
	return next
}

func (s *Station) drainIntents(state fuser.VehicleState) {
	for {
		select {
		case intent := <-s.intents:
			if _, err := s.router.Submit(state, intent); err != nil {
				logger.Printf("Command %s dropped: %v", intent.CommandID, err)
			}
		default:
			return
		}
	}
}

func (s *Station) resolveRemaining() {
	for drained := false; !drained; {
		select {
		case intent := <-s.intents:
			s.router.Cancel(intent, common.ReasonShutdown, "station shutting down")
		default:
			drained = true
		}
	}

	inputs := s.router.Shutdown()
	if len(inputs) == 0 {
		return
	}
	s.tick++
	next := s.commit(inputs)
	if s.observer != nil {
		s.observer.ObserveInputs(inputs)
		s.observer.ObserveState(next)
	}
}

func (s *Station) publishState(state fuser.VehicleState) {
	s.subsMutex.RLock()
	defer s.subsMutex.RUnlock()
	for _, cb := range s.stateSubs {
		cb(state)
	}
}

func (s *Station) publishOutcomes(inputs []common.Input) {
	s.subsMutex.RLock()
	defer s.subsMutex.RUnlock()
	if len(s.outcomeSubs) == 0 {
		return
	}
	for _, in := range inputs {
		if o, ok := in.(common.CommandOutcome); ok {
			for _, cb := range s.outcomeSubs {
				cb(o)
			}
		}
	}
}

// shutdown завершает принятые и ожидающие команды итогом shutdown,
// публикует их и останавливает рабочие горутины источников
func (s *Station) shutdown() {
	s.stopOnce.Do(func() {
		s.idsMutex.Lock()
		close(s.stopped)
		s.idsMutex.Unlock()

		s.resolveRemaining()

		for _, p := range []Poller{s.sources.Sensors, s.sources.Actuator, s.sources.Vehicle} {
			switch c := p.(type) {
			case interface{ Stop() error }:
				if err := c.Stop(); err != nil {
					logger.Printf("Failed to stop %T: %v", p, err)
				}
			case interface{ Stop() }:
				c.Stop()
			}
		}
		logger.Println("Control loop stopped")
	})
}
