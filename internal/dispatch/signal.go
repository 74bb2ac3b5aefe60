// Package dispatch provides named signals that decouple lifecycle events
// from the components reacting to them.
//
// A Signals bundle is created once per process (or per test) and passed to
// whatever needs to send or receive: the model registry sends
// ClassPrepared, the request package sends RequestStarted and
// RequestFinished, and the connection resolver listens for
// RequestFinished to drop cached handles.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Receiver handles one signal delivery. sender identifies what fired the
// signal (a model type for ClassPrepared, a request scope for the request
// signals).
type Receiver func(ctx context.Context, sender any) error

// Signal is a named event with an ordered list of receivers.
//
// Thread-safety: Connect, Send and Receivers are safe for concurrent use.
// Receivers run synchronously on the sending goroutine.
type Signal struct {
	name string

	mu        sync.RWMutex
	nextID    uint64
	receivers []connection
}

type connection struct {
	id      uint64
	name    string
	receive Receiver
}

// NewSignal creates a signal with no receivers.
func NewSignal(name string) *Signal {
	return &Signal{name: name}
}

// Name returns the signal name.
func (s *Signal) Name() string {
	return s.name
}

// Connect registers a receiver. name is used in logs and errors. The
// returned func disconnects the receiver; calling it more than once is a
// no-op.
func (s *Signal) Connect(name string, r Receiver) (disconnect func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.receivers = append(s.receivers, connection{id: id, name: name, receive: r})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.disconnect(id) })
	}
}

func (s *Signal) disconnect(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.receivers {
		if c.id == id {
			s.receivers = append(s.receivers[:i:i], s.receivers[i+1:]...)
			return
		}
	}
}

// Receivers returns the names of connected receivers in connection order.
func (s *Signal) Receivers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.receivers))
	for i, c := range s.receivers {
		names[i] = c.name
	}
	return names
}

// Send delivers the signal to every receiver in connection order. All
// receivers run even if some fail; their errors are joined.
func (s *Signal) Send(ctx context.Context, sender any) error {
	s.mu.RLock()
	receivers := make([]connection, len(s.receivers))
	copy(receivers, s.receivers)
	s.mu.RUnlock()

	var errs []error
	for _, c := range receivers {
		if err := c.receive(ctx, sender); err != nil {
			slog.Debug("signal receiver failed", "signal", s.name, "receiver", c.name, "error", err)
			errs = append(errs, &ReceiverError{Signal: s.name, Receiver: c.name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// ReceiverError wraps an error returned by a receiver.
type ReceiverError struct {
	Signal   string
	Receiver string
	Err      error
}

func (e *ReceiverError) Error() string {
	return fmt.Sprintf("signal %s: receiver %s: %v", e.Signal, e.Receiver, e.Err)
}

func (e *ReceiverError) Unwrap() error {
	return e.Err
}

// Signals bundles the lifecycle signals shared by the registry, request
// scopes and the connection resolver.
type Signals struct {
	ClassPrepared   *Signal
	RequestStarted  *Signal
	RequestFinished *Signal
}

// NewSignals creates a fresh bundle with no receivers.
func NewSignals() *Signals {
	return &Signals{
		ClassPrepared:   NewSignal("class_prepared"),
		RequestStarted:  NewSignal("request_started"),
		RequestFinished: NewSignal("request_finished"),
	}
}
