package events

import (
	"errors"

	"go.uber.org/zap"
)

// EventEmitter is a decision-event sink. Emit must never block the
// request path; write failures stay inside the implementation.
type EventEmitter interface {
	Emit(event *DecisionEvent)
	Close() error
}

// NoopEmitter discards events. Used when event logging is disabled.
type NoopEmitter struct{}

func (NoopEmitter) Emit(*DecisionEvent) {}
func (NoopEmitter) Close() error        { return nil }

// MultiEmitter fans each event out to every configured backend.
type MultiEmitter struct {
	emitters []EventEmitter
	logger   *zap.Logger
}

func NewMultiEmitter(emitters []EventEmitter, logger *zap.Logger) *MultiEmitter {
	return &MultiEmitter{emitters: emitters, logger: logger}
}

func (m *MultiEmitter) Emit(event *DecisionEvent) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

// Close shuts down every backend and joins their errors.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
