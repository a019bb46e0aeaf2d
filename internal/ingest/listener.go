package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crm-mail-ingest-go/internal/mailbox"
	"crm-mail-ingest-go/internal/metrics"
)

// Listener supervises the mailbox connection. It turns transport failures
// into bounded, fixed-delay reconnect attempts and feeds every delivered
// message through the pipeline, one at a time. After the configured number
// of consecutive failures it parks in the terminal stopped state; only an
// explicit Start recovers it.
type Listener struct {
	factory     mailbox.Factory
	pipeline    *Pipeline
	metrics     *metrics.Metrics
	delay       time.Duration
	maxAttempts int

	mu            sync.Mutex
	state         ConnState
	attempts      int
	lastErr       error
	lastMessageAt time.Time
	cancel        context.CancelFunc
	done          chan struct{}
}

func NewListener(factory mailbox.Factory, pipeline *Pipeline, m *metrics.Metrics, delay time.Duration, maxAttempts int) *Listener {
	return &Listener{
		factory:     factory,
		pipeline:    pipeline,
		metrics:     m,
		delay:       delay,
		maxAttempts: maxAttempts,
		state:       StateDisconnected,
	}
}

// Start brings the listener up. No-op if it is already running.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.active() {
		logrus.Info("Listener already running")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.attempts = 0
	l.lastErr = nil
	l.setStateLocked(StateConnecting)

	go l.run(ctx)

	logrus.Info("Mailbox listener started")
	return nil
}

// Stop tears the listener down and waits for the supervision loop to
// exit. Idempotent; always succeeds. Any pending reconnect timer is
// cancelled, never left to fire after a deliberate stop.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.mu.Unlock()

	if done == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	// Every caller waits for the loop to exit, not just the one that
	// won the cancel.
	<-done

	logrus.Info("Mailbox listener stopped")
}

// Running reports whether the supervision loop is live
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.active()
}

// State returns the current connection state
func (l *Listener) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attempts returns the current reconnect attempt count and the maximum
func (l *Listener) Attempts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts, l.maxAttempts
}

// LastError returns the most recent transport failure, if any
func (l *Listener) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// LastMessageAt returns when the last message event arrived
func (l *Listener) LastMessageAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastMessageAt
}

// run is the supervision loop: connect, consume, back off, repeat
func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	for {
		l.setState(StateConnecting)

		transport := l.factory()
		if err := transport.Connect(ctx); err != nil {
			transport.Close()
			logrus.Errorf("Mailbox connection failed: %v", err)
			if !l.backoff(ctx, err) {
				return
			}
			continue
		}

		l.setState(StateConnected)
		l.resetAttempts()

		err := l.consume(ctx, transport)
		transport.Close()

		if ctx.Err() != nil || err == nil {
			l.setState(StateStopped)
			return
		}

		logrus.Errorf("Mailbox connection lost: %v", err)
		if !l.backoff(ctx, err) {
			return
		}
	}
}

// consume drains transport events until the session ends. A nil return
// means a deliberate shutdown; an error means the connection failed.
func (l *Listener) consume(ctx context.Context, transport mailbox.Transport) error {
	for ev := range transport.Events() {
		switch ev.Type {
		case mailbox.EventConnected:
			logrus.Info("Mailbox connection established")

		case mailbox.EventMessage:
			l.mu.Lock()
			l.lastMessageAt = time.Now()
			l.mu.Unlock()
			l.pipeline.Process(ev.Message)

		case mailbox.EventError:
			l.recordError(ev.Err)
			return ev.Err

		case mailbox.EventDisconnected:
			if ctx.Err() != nil {
				return nil
			}
			err := fmt.Errorf("mailbox connection closed")
			l.recordError(err)
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("mailbox event stream ended")
}

// backoff counts a failure and waits out the reconnect delay. Returns
// false when the listener should stop retrying: attempts exhausted or a
// deliberate stop arrived while waiting.
func (l *Listener) backoff(ctx context.Context, err error) bool {
	l.mu.Lock()
	l.attempts++
	l.lastErr = err
	attempts := l.attempts
	l.mu.Unlock()

	l.metrics.Reconnects.Inc()

	if attempts >= l.maxAttempts {
		logrus.Errorf("Giving up after %d connection attempts; manual start required", attempts)
		l.setState(StateStopped)
		return false
	}

	l.setState(StateReconnectPending)
	logrus.Infof("Reconnecting in %v (attempt %d/%d)", l.delay, attempts, l.maxAttempts)

	timer := time.NewTimer(l.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.setState(StateStopped)
		return false
	case <-timer.C:
		return true
	}
}

func (l *Listener) resetAttempts() {
	l.mu.Lock()
	l.attempts = 0
	l.mu.Unlock()
}

func (l *Listener) recordError(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

func (l *Listener) setState(s ConnState) {
	l.mu.Lock()
	l.setStateLocked(s)
	l.mu.Unlock()
}

func (l *Listener) setStateLocked(s ConnState) {
	l.state = s
	l.metrics.ConnectionState.Set(float64(s))
}
