// Package svc implements a single-threaded cooperative service loop: each
// service blocks on message receive, dispatches by opcode, and replies
// before accepting the next message. Interrupt-origin work (a poll-loop
// event, a hardware mailbox signal) is serialised onto the same receive
// point rather than preempting the handler in progress.
package svc

import (
	"context"
	"log"
	"os"

	"github.com/precursor-systems/cram-hal/herr"
)

// Opcode identifies the handler a Msg is dispatched to.
type Opcode int

// Msg is one unit of work delivered to a Mux: a client request or an
// interrupt-origin notification, tagged by Opcode.
type Msg struct {
	Opcode  Opcode
	Payload any
	Reply   chan Result
}

// Result is a handler's reply, delivered on Msg.Reply if set.
type Result struct {
	Value any
	Err   error
}

// Handler processes one Msg's payload and returns a reply value or error.
type Handler func(payload any) (any, error)

// Mux is a single-threaded opcode-dispatch event loop. Client sends and
// interrupt-origin mailbox sends arrive on two channels drained by the
// same Run loop, so a handler always runs to completion before the next
// message is dispatched.
type Mux struct {
	inbox   chan Msg
	mailbox chan Msg
	handlers map[Opcode]Handler
	log     *log.Logger
}

// NewMux constructs an empty Mux with the given inbox capacity (0 makes the
// client channel unbuffered; the mailbox channel is always buffered so an
// interrupt source never blocks on a busy handler).
func NewMux(inboxCapacity int) *Mux {
	return &Mux{
		inbox:    make(chan Msg, inboxCapacity),
		mailbox:  make(chan Msg, 32),
		handlers: make(map[Opcode]Handler),
		log:      log.New(os.Stderr, "svc: ", log.LstdFlags),
	}
}

// Handle registers the handler invoked for opcode. Registering the same
// opcode twice replaces the previous handler.
func (m *Mux) Handle(opcode Opcode, h Handler) {
	m.handlers[opcode] = h
}

// Send enqueues a client message, blocking until it is enqueued or ctx is
// done. It does not wait for dispatch or the reply: if Reply is non-nil,
// the caller reads the result from it after Send returns.
func (m *Mux) Send(ctx context.Context, msg Msg) error {
	select {
	case m.inbox <- msg:
		return nil
	case <-ctx.Done():
		return herr.New(herr.Timeout, "Send", ctx.Err())
	}
}

// Post enqueues an interrupt-origin message without blocking. If the
// mailbox is full the message is dropped and an error logged: a wedged
// interrupt source must not be allowed to block the hardware ISR that
// calls Post.
func (m *Mux) Post(msg Msg) {
	select {
	case m.mailbox <- msg:
	default:
		m.log.Printf("mailbox full, dropping opcode %d", msg.Opcode)
	}
}

// Run drains the mailbox and inbox until ctx is cancelled, dispatching each
// message to its registered handler in priority order: mailbox messages
// (interrupt-origin) are always drained ahead of client messages, mirroring
// the priority usbdev.Bus.Poll gives pending hardware events over queued
// work. Run returns when ctx is done; callers typically run it in its own
// goroutine per service, since each service is its own single-threaded task.
func (m *Mux) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.mailbox:
			m.dispatch(msg)
		default:
			select {
			case <-ctx.Done():
				return
			case msg := <-m.mailbox:
				m.dispatch(msg)
			case msg := <-m.inbox:
				m.dispatch(msg)
			}
		}
	}
}

func (m *Mux) dispatch(msg Msg) {
	h, ok := m.handlers[msg.Opcode]
	if !ok {
		m.reply(msg, Result{Err: herr.New(herr.NotFound, "dispatch", nil)})
		return
	}
	value, err := h(msg.Payload)
	m.reply(msg, Result{Value: value, Err: err})
}

func (m *Mux) reply(msg Msg, res Result) {
	if msg.Reply == nil {
		return
	}
	select {
	case msg.Reply <- res:
	default:
		m.log.Printf("reply channel for opcode %d not ready, dropping result", msg.Opcode)
	}
}
