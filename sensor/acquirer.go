package sensor

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"rov-surface/common"
)

var logger = log.New(os.Stdout, "[Sensors] ", log.LstdFlags|log.Lshortfile)

// MinTemperatureInterval время преобразования DS18B20 на 12 бит
const MinTemperatureInterval = 750 * time.Millisecond

// Config представляет конфигурацию локальных датчиков
type Config struct {
	W1Dir               string        `mapstructure:"w1_dir"`
	Probes              []string      `mapstructure:"probes"`
	TemperatureInterval time.Duration `mapstructure:"temperature_interval"`
	PH                  PHConfig      `mapstructure:"ph"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		W1Dir:               "/sys/bus/w1/devices",
		TemperatureInterval: time.Second,
		PH:                  DefaultPHConfig(),
	}
}

// Acquirer опрашивает шину температуры и канал pH независимыми горутинами.
// Результаты накапливаются в очереди и забираются неблокирующим Poll.
type Acquirer struct {
	config Config
	bus    *OneWireBus
	ph     *PHProbe
	now    func() time.Time

	queue      []common.Input
	queueMutex sync.Mutex

	tempSeq uint64
	phSeq   uint64

	stopChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Option настраивает Acquirer
type Option func(*Acquirer)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(a *Acquirer) { a.now = now }
}

// NewAcquirer создает опросчик датчиков поверх файловой системы fs (обычно afero.NewOsFs())
func NewAcquirer(config Config, fs afero.Fs, opts ...Option) *Acquirer {
	if config.TemperatureInterval < MinTemperatureInterval {
		if config.TemperatureInterval != 0 {
			logger.Printf("Temperature interval %v is below probe conversion time, using %v",
				config.TemperatureInterval, MinTemperatureInterval)
		}
		config.TemperatureInterval = MinTemperatureInterval
	}
	if config.PH.Interval <= 0 {
		config.PH.Interval = DefaultPHConfig().Interval
	}

	a := &Acquirer{
		config:   config,
		bus:      NewOneWireBus(fs, config.W1Dir, config.Probes),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	if config.PH.Enabled {
		a.ph = NewPHProbe(fs, config.PH)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start запускает горутины опроса. Первый замер выполняется сразу.
func (a *Acquirer) Start() {
	a.startOnce.Do(func() {
		logger.Printf("Starting sensor acquisition: temperature every %v, pH enabled: %v",
			a.config.TemperatureInterval, a.ph != nil)

		a.wg.Add(1)
		go a.worker(a.config.TemperatureInterval, a.sampleTemperature)

		if a.ph != nil {
			a.wg.Add(1)
			go a.worker(a.config.PH.Interval, a.samplePH)
		}
	})
}

// Stop останавливает опрос и дожидается завершения горутин
func (a *Acquirer) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.wg.Wait()
		logger.Println("Sensor acquisition stopped")
	})
}

// Poll забирает накопленные показания и ошибки датчиков. Никогда не блокируется.
func (a *Acquirer) Poll() []common.Input {
	a.queueMutex.Lock()
	defer a.queueMutex.Unlock()
	out := a.queue
	a.queue = nil
	return out
}

func (a *Acquirer) worker(interval time.Duration, sample func() []common.Input) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.push(sample())
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
		}
	}
}

func (a *Acquirer) push(inputs []common.Input) {
	if len(inputs) == 0 {
		return
	}
	a.queueMutex.Lock()
	a.queue = append(a.queue, inputs...)
	a.queueMutex.Unlock()
}

// sampleTemperature опрашивает все датчики шины. Ошибка одного датчика
// не мешает чтению остальных.
func (a *Acquirer) sampleTemperature() []common.Input {
	devices, err := a.bus.Devices()
	if err == nil && len(devices) == 0 {
		err = ErrDeviceAbsent
	}
	if err != nil {
		return []common.Input{common.SensorFault{
			Source:    common.SourceTemperature,
			Reason:    err.Error(),
			Timestamp: a.now(),
		}}
	}

	out := make([]common.Input, 0, len(devices))
	for _, addr := range devices {
		c, err := a.bus.ReadProbe(addr)
		at := a.now()
		if err != nil {
			logger.Printf("Probe %s: %v", addr, err)
			out = append(out, common.SensorFault{
				Source:    common.SourceTemperature,
				Field:     addr,
				Reason:    err.Error(),
				Timestamp: at,
			})
			continue
		}
		a.tempSeq++
		out = append(out, common.Reading{
			Source:    common.SourceTemperature,
			Field:     addr,
			Value:     common.Number(c),
			Timestamp: at,
			Seq:       a.tempSeq,
		})
	}
	return out
}

func (a *Acquirer) samplePH() []common.Input {
	ph, err := a.ph.Read()
	at := a.now()
	if err != nil {
		logger.Printf("pH probe: %v", err)
		return []common.Input{common.SensorFault{
			Source:    common.SourcePH,
			Reason:    err.Error(),
			Timestamp: at,
		}}
	}
	a.phSeq++
	return []common.Input{common.Reading{
		Source:    common.SourcePH,
		Value:     common.Number(ph),
		Timestamp: at,
		Seq:       a.phSeq,
	}}
}
