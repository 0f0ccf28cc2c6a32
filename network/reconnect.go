package network

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	"termlink/models"
)

const (
	// DefaultReconnectAttempts is how many retries follow a failed connect.
	DefaultReconnectAttempts = 3
	defaultReconnectInitial  = 1 * time.Second
	defaultReconnectMax      = 10 * time.Second
)

// ReconnectOptions controls Reconnector retry behavior.
type ReconnectOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// OnRetry, if set, is called before each wait.
	OnRetry func(err error, next time.Duration)
}

// Session is the part of Transport a Reconnector drives.
type Session interface {
	Connect(ctx context.Context, device models.PairedDevice) error
	Disconnect()
	State() models.ConnectionState
	States() (<-chan models.ConnectionState, func())
	LastError() error
}

// Reconnector keeps a Session connected while the caller wants it.
// Transient failures are retried with exponential backoff; certificate
// mismatches and invalid addresses end the session immediately.
type Reconnector struct {
	transport Session
	options   ReconnectOptions
}

// NewReconnector wraps transport with a bounded retry policy.
func NewReconnector(transport Session, options ReconnectOptions) *Reconnector {
	if options.MaxRetries == 0 {
		options.MaxRetries = DefaultReconnectAttempts
	}
	if options.InitialInterval <= 0 {
		options.InitialInterval = defaultReconnectInitial
	}
	if options.MaxInterval <= 0 {
		options.MaxInterval = defaultReconnectMax
	}
	return &Reconnector{transport: transport, options: options}
}

// Run connects to device and then supervises the session like Supervise.
func (r *Reconnector) Run(ctx context.Context, device models.PairedDevice) error {
	if err := r.connect(ctx, device); err != nil {
		if ctx.Err() != nil {
			r.transport.Disconnect()
			return nil
		}
		return err
	}
	return r.Supervise(ctx, device)
}

// Supervise watches an established session and reconnects after transient
// failures until ctx is cancelled, the session is disconnected by someone
// else, or retries run out. Cancelling ctx disconnects the session and
// returns nil.
func (r *Reconnector) Supervise(ctx context.Context, device models.PairedDevice) error {
	states, cancel := r.transport.States()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			r.transport.Disconnect()
			return nil
		case state, ok := <-states:
			if !ok {
				return ErrTransportClosed
			}
			switch state.Status {
			case models.StatusDisconnected:
				return nil
			case models.StatusError:
				// A failed attempt inside connect may leave a stale error queued.
				if r.transport.State().Status != models.StatusError {
					continue
				}
				lastErr := r.transport.LastError()
				if !IsRetryable(lastErr) {
					return lastErr
				}
				log.Printf("Reconnecting to %s after: %v", device.Address(), lastErr)
				if err := r.reconnect(ctx, device, lastErr); err != nil {
					if ctx.Err() != nil {
						r.transport.Disconnect()
						return nil
					}
					return err
				}
			}
		}
	}
}

func (r *Reconnector) policy(ctx context.Context) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.options.InitialInterval
	policy.MaxInterval = r.options.MaxInterval
	policy.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(policy, r.options.MaxRetries), ctx)
}

func (r *Reconnector) notify(err error, next time.Duration) {
	if r.options.OnRetry != nil {
		r.options.OnRetry(err, next)
	}
}

// connect makes one immediate attempt followed by up to MaxRetries retries.
func (r *Reconnector) connect(ctx context.Context, device models.PairedDevice) error {
	operation := func() error {
		err := r.attempt(ctx, device)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(operation, r.policy(ctx), r.notify)
}

// reconnect restores a lost session. Every attempt, the first included,
// waits one backoff interval, and at most MaxRetries attempts are made.
func (r *Reconnector) reconnect(ctx context.Context, device models.PairedDevice, cause error) error {
	policy := r.policy(ctx)
	policy.Reset()

	err := cause
	for {
		next := policy.NextBackOff()
		if next == backoff.Stop {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		r.notify(err, next)

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err = r.attempt(ctx, device); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
}

func (r *Reconnector) attempt(ctx context.Context, device models.PairedDevice) error {
	err := r.transport.Connect(ctx, device)
	if errors.Is(err, ErrAlreadyConnected) {
		return nil
	}
	return err
}
