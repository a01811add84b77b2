package common

// AnomalyRecorder принимает сведения о нарушениях протокола:
// поврежденные кадры, повторные ответы, неизвестные идентификаторы корреляции.
type AnomalyRecorder interface {
	RecordAnomaly(target Target, kind string)
}

// Типы аномалий протокола
const (
	AnomalyMalformedFrame     = "malformed_frame"
	AnomalyUnknownCorrelation = "unknown_correlation"
	AnomalyDuplicateOutcome   = "duplicate_outcome"
	AnomalyMalformedMessage   = "malformed_message"
)

// NopRecorder ничего не делает
type NopRecorder struct{}

func (NopRecorder) RecordAnomaly(Target, string) {}
