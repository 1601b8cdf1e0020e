package diagnostics

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/metal-toolbox/bmcmgmt/internal/metrics"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// Sink delivers diagnostics messages somewhere outside the process.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg *Message) error
	Close() error
}

// Publisher fans diagnostics out to every sink and keeps the codes raised
// since it was created.
type Publisher struct {
	sinks []Sink
	codes Accumulator
	mu    sync.Mutex
}

func NewPublisher(sinks ...Sink) *Publisher {
	return &Publisher{sinks: sinks}
}

// Opener connects one sink.
type Opener func() (Sink, error)

// OpenPublisher opens every sink in order. When one fails the sinks already
// open are closed before the error is returned.
func OpenPublisher(openers ...Opener) (*Publisher, error) {
	sinks := make([]Sink, 0, len(openers))

	for _, open := range openers {
		sink, err := open()
		if err != nil {
			if cerr := NewPublisher(sinks...).Close(); cerr != nil {
				slog.Warn("closing diagnostics sinks", "err", cerr)
			}

			return nil, err
		}

		sinks = append(sinks, sink)
	}

	return NewPublisher(sinks...), nil
}

// Raise records code and publishes it as an event. A code dropped by a full
// accumulator is still published.
func (p *Publisher) Raise(ctx context.Context, code Code, detail string) error {
	if !p.codes.Add(code) {
		slog.Warn("diagnostics accumulator full, code dropped", "code", code.String())
	}

	metrics.DiagnosticsTotal.WithLabelValues(code.String()).Inc()

	return p.publish(ctx, &Message{Kind: KindEvent, Event: NewEvent(code, detail)})
}

// Report publishes a boot report.
func (p *Publisher) Report(ctx context.Context, report *Report) error {
	return p.publish(ctx, &Message{Kind: KindReport, Report: report})
}

// Codes returns the codes raised so far.
func (p *Publisher) Codes() []Code {
	return p.codes.Codes()
}

func (p *Publisher) Close() error {
	var errs []error

	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, sink.Name()))
		}
	}

	return stderrors.Join(errs...)
}

func (p *Publisher) publish(ctx context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error

	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, msg); err != nil {
			slog.Error("diagnostics sink publish failed", "sink", sink.Name(), "kind", msg.Kind, "error", err)
			errs = append(errs, errors.Wrap(err, sink.Name()))
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return errors.Wrap(model.ErrPublish, stderrors.Join(errs...).Error())
}

// LogSink writes messages to the default slog logger.
type LogSink struct{}

func (LogSink) Name() string {
	return "log"
}

func (LogSink) Publish(ctx context.Context, msg *Message) error {
	switch msg.Kind {
	case KindEvent:
		level := slog.LevelInfo
		if msg.Event.Severity == SeverityMajor {
			level = slog.LevelWarn
		}

		slog.Log(ctx, level, "diagnostic raised",
			"code", msg.Event.Code.String(),
			"severity", msg.Event.Severity,
			"detail", msg.Event.Detail,
		)
	case KindReport:
		slog.With(msg.Report.AsLogFields()...).Info("boot report")
	}

	return nil
}

func (LogSink) Close() error {
	return nil
}
