package common

import "time"

// Backoff экспоненциальная задержка переподключения с верхней границей
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	attempt int
}

// NewBackoff создает Backoff; нулевые границы заменяются значениями по умолчанию
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max}
}

// Next возвращает следующую задержку и увеличивает счетчик попыток
func (b *Backoff) Next() time.Duration {
	d := b.Min
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset сбрасывает задержку к минимальной
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts возвращает число попыток с последнего сброса
func (b *Backoff) Attempts() int {
	return b.attempt
}
