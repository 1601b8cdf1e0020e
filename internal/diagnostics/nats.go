package diagnostics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const flushTimeout = 5 * time.Second

// NATSSink publishes messages on <subject>.<kind>.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

func NewNATSSink(natsURL, subject string, connectTimeout time.Duration) (*NATSSink, error) {
	if subject == "" {
		subject = model.AppSubject
	}

	conn, err := nats.Connect(natsURL,
		nats.Name(model.AppName),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.Wrap(model.ErrPublish, "nats connect: "+err.Error())
	}

	return &NATSSink{conn: conn, subject: subject}, nil
}

func (s *NATSSink) Name() string {
	return "nats"
}

func (s *NATSSink) Publish(_ context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(model.ErrPublish, err.Error())
	}

	if err := s.conn.Publish(s.subject+"."+msg.Kind, data); err != nil {
		return errors.Wrap(model.ErrPublish, err.Error())
	}

	return s.conn.FlushTimeout(flushTimeout)
}

func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
