package router

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"rov-surface/common"
	"rov-surface/fuser"
)

var logger = log.New(os.Stdout, "[Command-Router] ", log.LstdFlags|log.Lshortfile)

var (
	ErrDuplicateCommand = errors.New("duplicate command id")
	ErrMissingCommandID = errors.New("missing command id")
)

// Link канал, которому маршрутизатор передает команды
type Link interface {
	Send(intent common.CommandIntent) (common.Handle, error)
	Abandon(h common.Handle)
}

// Config представляет настройки маршрутизатора
type Config struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"` // срок ожидания ответа на команду
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{CommandTimeout: 2 * time.Second}
}

type inflight struct {
	handle   common.Handle
	deadline time.Time
	seq      uint64
}

// Router принимает намерения оператора, отправляет их в нужный канал
// и ровно один раз фиксирует итог каждой команды.
// Не потокобезопасен: вызывается только из управляющего цикла.
type Router struct {
	config     Config
	links      map[common.Target]Link
	validators map[common.Target]CommandValidator
	now        func() time.Time
	recorder   common.AnomalyRecorder

	inflight  map[string]inflight
	resolved  map[string]struct{} // хранится до конца сессии, чтобы узнавать повторы в любой момент
	immediate []common.CommandOutcome
	seq       uint64
}

// Option настраивает Router
type Option func(*Router)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithRecorder задает получателя аномалий
func WithRecorder(rec common.AnomalyRecorder) Option {
	return func(r *Router) { r.recorder = rec }
}

// WithValidator заменяет проверку команд для адресата
func WithValidator(target common.Target, v CommandValidator) Option {
	return func(r *Router) { r.validators[target] = v }
}

// New создает маршрутизатор поверх каналов links
func New(config Config, links map[common.Target]Link, opts ...Option) *Router {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultConfig().CommandTimeout
	}
	r := &Router{
		config:     config,
		links:      links,
		validators: make(map[common.Target]CommandValidator, len(defaultValidators)),
		now:        time.Now,
		recorder:   common.NopRecorder{},
		inflight:   make(map[string]inflight),
		resolved:   make(map[string]struct{}),
	}
	for target, v := range defaultValidators {
		r.validators[target] = v
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit проверяет намерение и передает его каналу. Отказы до отправки
// становятся итогами, которые вернет следующий Reconcile.
// Ошибка возвращается только для пустого или повторного command_id: итог для него не создается.
func (r *Router) Submit(state fuser.VehicleState, intent common.CommandIntent) (string, error) {
	id := intent.CommandID
	if id == "" {
		return "", ErrMissingCommandID
	}
	if r.known(id) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateCommand, id)
	}

	now := r.now()
	link, ok := r.links[intent.Target]
	if !ok || !intent.Target.Valid() {
		r.fail(intent, common.ReasonRejected, fmt.Sprintf("no link for target %s", intent.Target), now)
		return id, nil
	}
	if state.Health(intent.Target) == common.HealthDown {
		r.fail(intent, common.ReasonLinkDown, fmt.Sprintf("%s link is down", intent.Target), now)
		return id, nil
	}
	if validate, ok := r.validators[intent.Target]; ok {
		if err := validate(state, intent.Payload); err != nil {
			r.fail(intent, common.ReasonRejected, err.Error(), now)
			return id, nil
		}
	}

	h, err := link.Send(intent)
	if err != nil {
		r.fail(intent, common.ReasonSendError, err.Error(), now)
		return id, nil
	}

	r.seq++
	h.CommandID, h.Target = id, intent.Target
	r.inflight[id] = inflight{handle: h, deadline: now.Add(r.config.CommandTimeout), seq: r.seq}
	logger.Printf("Command %s (%s) sent to %s", id, intent.Payload.Name, intent.Target)
	return id, nil
}

// Reconcile фиксирует итоги команд из входных данных каналов, добавляет
// просроченные команды и отказы, накопленные Submit. Прочие входные
// данные проходят без изменений. Повторные итоги отбрасываются.
func (r *Router) Reconcile(inputs []common.Input) []common.Input {
	out := make([]common.Input, 0, len(inputs)+len(r.immediate))
	for _, o := range r.immediate {
		out = append(out, o)
	}
	r.immediate = nil

	for _, in := range inputs {
		o, ok := in.(common.CommandOutcome)
		if !ok {
			out = append(out, in)
			continue
		}
		if r.finalize(o) {
			out = append(out, o)
		}
	}

	for _, o := range r.expire(r.now()) {
		out = append(out, o)
	}
	return out
}

// Cancel завершает намерение, которое так и не было передано на Submit.
// Итог вернет следующий Reconcile или Shutdown.
func (r *Router) Cancel(intent common.CommandIntent, reason, detail string) {
	if intent.CommandID == "" || r.known(intent.CommandID) {
		return
	}
	r.fail(intent, reason, detail, r.now())
}

// Shutdown завершает все ожидающие команды как Failed{shutdown} и
// возвращает их вместе с еще не выданными итогами отказов
func (r *Router) Shutdown() []common.Input {
	now := r.now()
	out := make([]common.Input, 0, len(r.immediate)+len(r.inflight))
	for _, o := range r.immediate {
		out = append(out, o)
	}
	r.immediate = nil

	pending := make([]inflight, 0, len(r.inflight))
	for _, p := range r.inflight {
		pending = append(pending, p)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	for _, p := range pending {
		h := p.handle
		if link, ok := r.links[h.Target]; ok {
			link.Abandon(h)
		}
		delete(r.inflight, h.CommandID)
		r.resolved[h.CommandID] = struct{}{}
		out = append(out, common.CommandOutcome{
			CommandID: h.CommandID,
			Target:    h.Target,
			Result:    common.ResultFailed,
			Reason:    common.ReasonShutdown,
			Detail:    "station shutting down",
			Timestamp: now,
		})
	}
	if len(pending) > 0 {
		logger.Printf("Resolved %d pending commands on shutdown", len(pending))
	}
	return out
}

// Pending возвращает число команд, ожидающих итога
func (r *Router) Pending() int {
	return len(r.inflight)
}

func (r *Router) known(id string) bool {
	if _, ok := r.inflight[id]; ok {
		return true
	}
	_, ok := r.resolved[id]
	return ok
}

func (r *Router) fail(intent common.CommandIntent, reason, detail string, now time.Time) {
	logger.Printf("Command %s to %s failed: %s: %s", intent.CommandID, intent.Target, reason, detail)
	r.resolved[intent.CommandID] = struct{}{}
	r.immediate = append(r.immediate, common.CommandOutcome{
		CommandID: intent.CommandID,
		Target:    intent.Target,
		Result:    common.ResultFailed,
		Reason:    reason,
		Detail:    detail,
		Timestamp: now,
	})
}

// finalize возвращает true для первого итога команды
func (r *Router) finalize(o common.CommandOutcome) bool {
	if _, ok := r.inflight[o.CommandID]; ok {
		delete(r.inflight, o.CommandID)
		r.resolved[o.CommandID] = struct{}{}
		return true
	}
	if _, ok := r.resolved[o.CommandID]; ok {
		logger.Printf("Duplicate outcome for command %s (%s) ignored", o.CommandID, o.Result)
		r.recorder.RecordAnomaly(o.Target, common.AnomalyDuplicateOutcome)
		return false
	}
	logger.Printf("Outcome for unknown command %s ignored", o.CommandID)
	r.recorder.RecordAnomaly(o.Target, common.AnomalyUnknownCorrelation)
	return false
}

// expire завершает команды с истекшим сроком по порядку отправки
func (r *Router) expire(now time.Time) []common.CommandOutcome {
	var expired []inflight
	for _, p := range r.inflight {
		if !now.Before(p.deadline) {
			expired = append(expired, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })

	out := make([]common.CommandOutcome, 0, len(expired))
	for _, p := range expired {
		h := p.handle
		if link, ok := r.links[h.Target]; ok {
			link.Abandon(h)
		}
		delete(r.inflight, h.CommandID)
		r.resolved[h.CommandID] = struct{}{}
		logger.Printf("Command %s to %s timed out after %v", h.CommandID, h.Target, r.config.CommandTimeout)
		out = append(out, common.CommandOutcome{
			CommandID: h.CommandID,
			Target:    h.Target,
			Result:    common.ResultTimedOut,
			Reason:    common.ReasonTimeout,
			Detail:    fmt.Sprintf("no response within %v", r.config.CommandTimeout),
			Timestamp: now,
		})
	}
	return out
}
