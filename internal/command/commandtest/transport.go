// Package commandtest provides a scripted transport for exercising code built
// on command.Channel without a controller.
package commandtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/metal-toolbox/bmcmgmt/internal/ipmi"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/transport"
	"github.com/pkg/errors"
)

// Reply is a scripted answer to one request.
type Reply struct {
	CC   ipmi.CompletionCode
	Data []byte
	Err  error
}

// OK is a normal completion carrying data.
func OK(data ...byte) Reply {
	return Reply{Data: data}
}

// CC is a response with the completion code cc and no data.
func CC(cc ipmi.CompletionCode) Reply {
	return Reply{CC: cc}
}

// Fail is a transport failure.
func Fail(err error) Reply {
	return Reply{Err: err}
}

// Handler computes the reply to a request.
type Handler func(req *transport.Request) Reply

type key struct {
	netFn ipmi.NetFn
	cmd   uint8
}

// Transport replays queued replies per (netfn, cmd). The last reply queued
// for a command repeats once the queue drains. A request with nothing queued
// fails with model.ErrNoResponse.
type Transport struct {
	mu       sync.Mutex
	queues   map[key][]Reply
	handlers map[key]Handler
	requests []transport.Request
}

func New() *Transport {
	return &Transport{
		queues:   map[key][]Reply{},
		handlers: map[key]Handler{},
	}
}

// On queues replies for netFn/cmd.
func (t *Transport) On(netFn ipmi.NetFn, cmd uint8, replies ...Reply) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{netFn, cmd}
	t.queues[k] = append(t.queues[k], replies...)

	return t
}

// Handle answers netFn/cmd with h, taking precedence over queued replies.
func (t *Transport) Handle(netFn ipmi.NetFn, cmd uint8, h Handler) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[key{netFn, cmd}] = h

	return t
}

func (t *Transport) Kind() transport.Kind {
	return transport.Sim
}

func (t *Transport) Close() error {
	return nil
}

func (t *Transport) Submit(_ context.Context, req *transport.Request) (*transport.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests = append(t.requests, transport.Request{
		NetFn: req.NetFn,
		LUN:   req.LUN,
		Cmd:   req.Cmd,
		Data:  append([]byte{}, req.Data...),
	})

	k := key{req.NetFn, req.Cmd}

	var reply Reply

	switch queue := t.queues[k]; {
	case t.handlers[k] != nil:
		reply = t.handlers[k](req)
	case len(queue) == 0:
		return nil, errors.Wrap(model.ErrNoResponse, fmt.Sprintf("nothing scripted for netfn %s cmd %#02x", req.NetFn, req.Cmd))
	case len(queue) == 1:
		reply = queue[0]
	default:
		reply = queue[0]
		t.queues[k] = queue[1:]
	}

	if reply.Err != nil {
		return nil, reply.Err
	}

	return &transport.Response{CompletionCode: reply.CC, Data: append([]byte{}, reply.Data...)}, nil
}

// Requests returns every request submitted so far.
func (t *Transport) Requests() []transport.Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]transport.Request{}, t.requests...)
}

// Count returns how many times netFn/cmd was submitted.
func (t *Transport) Count(netFn ipmi.NetFn, cmd uint8) int {
	n := 0

	for _, r := range t.Requests() {
		if r.NetFn == netFn && r.Cmd == cmd {
			n++
		}
	}

	return n
}

// Sent returns the payloads submitted for netFn/cmd in order.
func (t *Transport) Sent(netFn ipmi.NetFn, cmd uint8) [][]byte {
	var out [][]byte

	for _, r := range t.Requests() {
		if r.NetFn == netFn && r.Cmd == cmd {
			out = append(out, r.Data)
		}
	}

	return out
}
