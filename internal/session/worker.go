package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"qms/inbox-service/internal/adapter"
	"qms/inbox-service/internal/credentials"
	"qms/inbox-service/internal/hub"
	"qms/inbox-service/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	cmdStart    = "start"
	cmdStop     = "stop"
	cmdRestart  = "restart"
	cmdUpdate   = "update"
	cmdDelete   = "delete"
	cmdShutdown = "shutdown"
)

type command struct {
	kind  string
	input Input
	reply chan commandResult
}

type commandResult struct {
	session models.Session
	err     error
}

// worker owns one session. Everything below the mutex is touched only by
// the run goroutine.
type worker struct {
	sup  *Supervisor
	id   string
	cmds chan command
	done chan struct{}

	mu      sync.RWMutex
	session models.Session
	live    adapter.Conn

	conn        adapter.Conn
	events      <-chan adapter.Event
	retryTimer  *time.Timer
	retryC      <-chan time.Time
	qrTimer     *time.Timer
	qrC         <-chan time.Time
	retries     int
	qrRefreshes int
	persist     sync.WaitGroup
}

func newWorker(sup *Supervisor, session models.Session) *worker {
	return &worker{
		sup:     sup,
		id:      session.SessionID,
		cmds:    make(chan command),
		done:    make(chan struct{}),
		session: session,
	}
}

// do hands cmd to the worker and waits for its result. Commands on one
// session run one at a time in arrival order.
func (w *worker) do(ctx context.Context, cmd command) (models.Session, error) {
	cmd.reply = make(chan commandResult, 1)
	select {
	case w.cmds <- cmd:
	case <-w.done:
		return models.Session{}, ErrClosed
	case <-ctx.Done():
		return models.Session{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.session, res.err
	case <-w.done:
		return models.Session{}, ErrClosed
	}
}

func (w *worker) shutdown() {
	_, _ = w.do(context.Background(), command{kind: cmdShutdown})
	<-w.done
}

func (w *worker) snapshot() models.Session {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.session
}

// liveConn returns the connection while the session is connected.
func (w *worker) liveConn() adapter.Conn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.live
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case cmd := <-w.cmds:
			res, exit := w.handle(cmd)
			cmd.reply <- res
			if exit {
				return
			}
		case ev, ok := <-w.events:
			if !ok {
				w.events = nil
				w.onEvent(adapter.Event{Kind: adapter.EventDisconnected, Reason: "connection closed"})
				continue
			}
			w.onEvent(ev)
		case <-w.retryC:
			w.retryC = nil
			w.retryTimer = nil
			w.open()
		case <-w.qrC:
			w.qrC = nil
			w.qrTimer = nil
			w.refreshChallenge()
		}
	}
}

// handle runs one command. It reports true when the worker must exit.
func (w *worker) handle(cmd command) (commandResult, bool) {
	ctx := w.sup.ctx
	switch cmd.kind {
	case cmdStart:
		w.start()
	case cmdStop:
		w.stop()
	case cmdRestart:
		w.restart()
	case cmdUpdate:
		session, err := w.save(func(rec *models.Session) {
			applyInput(rec, cmd.input)
		})
		return commandResult{session: session, err: err}, false
	case cmdDelete:
		if !w.idle() {
			return w.result(fmt.Errorf("%w: %s", ErrBusy, w.snapshot().Status)), false
		}
		w.cancelTimers()
		w.persist.Wait()
		if err := w.sup.creds.Wipe(w.id); err != nil {
			return w.result(fmt.Errorf("wipe credentials: %w", err)), false
		}
		if err := w.sup.store.DeleteSession(ctx, w.id); err != nil {
			return w.result(err), false
		}
		log.Printf("session=%s deleted", w.id)
		return w.result(nil), true
	case cmdShutdown:
		w.cancelTimers()
		if w.conn != nil {
			w.closeConn()
			w.transition(models.SessionDisconnected, "", nil)
		}
		w.persist.Wait()
		return w.result(nil), true
	default:
		return w.result(fmt.Errorf("unknown command %q", cmd.kind)), false
	}
	return w.result(nil), false
}

func (w *worker) result(err error) commandResult {
	return commandResult{session: w.snapshot(), err: err}
}

// idle reports whether no connection is open. A pending reconnect does not
// count; delete cancels it.
func (w *worker) idle() bool {
	status := w.snapshot().Status
	return w.conn == nil &&
		(status == models.SessionDisconnected || status == models.SessionError)
}

func (w *worker) start() {
	switch w.snapshot().Status {
	case models.SessionStarting, models.SessionConnecting, models.SessionQRReady, models.SessionConnected:
		return
	}
	w.cancelTimers()
	w.retries = 0
	w.transition(models.SessionStarting, "", nil)
	w.open()
}

func (w *worker) stop() {
	w.cancelTimers()
	status := w.snapshot().Status
	if w.conn == nil && (status == models.SessionDisconnected) {
		return
	}
	if w.conn != nil || status.Active() {
		w.transition(models.SessionStopping, "", nil)
	}
	w.closeConn()
	w.transition(models.SessionDisconnected, "", func(rec *models.Session) {
		rec.QRCode = ""
		rec.LastError = ""
	})
}

func (w *worker) restart() {
	w.cancelTimers()
	if w.conn != nil || w.snapshot().Status.Active() {
		w.transition(models.SessionRestarting, "", nil)
		w.closeConn()
	}
	w.retries = 0
	w.transition(models.SessionStarting, "", func(rec *models.Session) {
		rec.QRCode = ""
	})
	w.open()
}

// open asks the adapter for a connection, restoring stored credentials.
func (w *worker) open() {
	ctx, span := w.sup.tracer.Start(w.sup.ctx, "session.open", trace.WithAttributes(
		attribute.String("session.id", w.id), attribute.Int("session.retry", w.retries)))
	defer span.End()

	blob, err := w.sup.creds.Load(w.id)
	if errors.Is(err, credentials.ErrCorrupt) {
		span.SetStatus(codes.Error, err.Error())
		log.Printf("session=%s fatal: %v", w.id, err)
		w.transition(models.SessionError, err.Error(), nil)
		return
	}
	if err != nil {
		w.fail(fmt.Errorf("load credentials: %w", err))
		return
	}

	openCtx, cancel := context.WithTimeout(ctx, w.sup.cfg.ConnectTimeout)
	conn, err := w.sup.adapter.Open(openCtx, w.id, blob)
	cancel()
	if err != nil {
		span.RecordError(err)
		w.fail(fmt.Errorf("open connection: %w", err))
		return
	}
	w.conn = conn
	w.events = conn.Events()
	w.transition(models.SessionConnecting, "", nil)
}

// fail records a transient failure and schedules a retry while retries are
// left; otherwise the session settles in disconnected.
func (w *worker) fail(err error) {
	w.closeConn()
	w.transition(models.SessionError, err.Error(), func(rec *models.Session) {
		rec.QRCode = ""
	})
	if w.retries >= w.sup.cfg.RetryLimit {
		w.transition(models.SessionDisconnected, err.Error(), nil)
		return
	}
	w.retries++
	delay := w.sup.cfg.backoff(w.retries)
	log.Printf("session=%s retry=%d backoff=%s error=%v", w.id, w.retries, delay, err)
	w.retryTimer = time.NewTimer(delay)
	w.retryC = w.retryTimer.C
}

func (w *worker) onEvent(ev adapter.Event) {
	switch ev.Kind {
	case adapter.EventChallenge:
		if ev.Challenge == "" {
			log.Printf("session=%s ignoring empty challenge", w.id)
			return
		}
		w.transition(models.SessionQRReady, "", func(rec *models.Session) {
			rec.QRCode = ev.Challenge
		})
		w.armQR()
	case adapter.EventConnected:
		w.stopQR()
		w.retries = 0
		w.qrRefreshes = 0
		if len(ev.Credentials) > 0 {
			w.persistCredentials(ev.Credentials)
		}
		w.mu.Lock()
		w.live = w.conn
		w.mu.Unlock()
		w.transition(models.SessionConnected, "", func(rec *models.Session) {
			rec.QRCode = ""
			rec.LastError = ""
			if ev.Identity != "" {
				rec.Identity = ev.Identity
			}
		})
	case adapter.EventDisconnected:
		w.onDisconnected(ev.Reason)
	case adapter.EventLoggedOut:
		w.cancelTimers()
		w.closeConn()
		w.persist.Wait()
		if err := w.sup.creds.Wipe(w.id); err != nil {
			log.Printf("session=%s wipe credentials error=%v", w.id, err)
		}
		reason := ev.Reason
		if reason == "" {
			reason = "logged out"
		}
		w.transition(models.SessionDisconnected, reason, func(rec *models.Session) {
			rec.QRCode = ""
			rec.Identity = ""
		})
	case adapter.EventMessage:
		if ev.Message == nil {
			return
		}
		if _, err := w.sup.router.HandleInbound(w.sup.ctx, w.snapshot(), *ev.Message); err != nil {
			log.Printf("session=%s inbound from=%s error=%v", w.id, ev.Message.From, err)
		}
	case adapter.EventAck:
		if ev.Ack == nil {
			return
		}
		if err := w.sup.router.HandleAck(w.sup.ctx, w.id, *ev.Ack); err != nil {
			log.Printf("session=%s ack=%s error=%v", w.id, ev.Ack.ExternalID, err)
		}
	}
}

func (w *worker) onDisconnected(reason string) {
	if reason == "" {
		reason = "connection lost"
	}
	if w.snapshot().Status != models.SessionConnected {
		w.fail(errors.New(reason))
		return
	}
	w.closeConn()
	w.transition(models.SessionDisconnected, reason, nil)
	if w.snapshot().AutoReconnect {
		w.retries = 1
		delay := w.sup.cfg.backoff(w.retries)
		log.Printf("session=%s reconnect backoff=%s", w.id, delay)
		w.retryTimer = time.NewTimer(delay)
		w.retryC = w.retryTimer.C
	}
}

func (w *worker) armQR() {
	w.stopQR()
	w.qrTimer = time.NewTimer(w.sup.cfg.QRTimeout)
	w.qrC = w.qrTimer.C
}

// refreshChallenge rotates an unanswered challenge, giving up after
// QRMaxRefresh rotations.
func (w *worker) refreshChallenge() {
	if w.conn == nil || w.snapshot().Status != models.SessionQRReady {
		return
	}
	if w.qrRefreshes >= w.sup.cfg.QRMaxRefresh {
		log.Printf("session=%s qr expired after refreshes=%d", w.id, w.qrRefreshes)
		w.closeConn()
		w.qrRefreshes = 0
		w.transition(models.SessionDisconnected, "qr code not scanned", func(rec *models.Session) {
			rec.QRCode = ""
		})
		return
	}
	w.qrRefreshes++
	ctx, cancel := context.WithTimeout(w.sup.ctx, w.sup.cfg.ConnectTimeout)
	err := w.conn.RefreshChallenge(ctx)
	cancel()
	if err != nil {
		w.fail(fmt.Errorf("refresh challenge: %w", err))
		return
	}
	w.armQR()
}

func (w *worker) persistCredentials(blob []byte) {
	data := append([]byte(nil), blob...)
	w.persist.Add(1)
	go func() {
		defer w.persist.Done()
		if err := w.sup.creds.Save(w.id, data); err != nil {
			log.Printf("session=%s persist credentials error=%v", w.id, err)
		}
	}()
}

func (w *worker) closeConn() {
	w.stopQR()
	w.mu.Lock()
	w.live = nil
	w.mu.Unlock()
	if w.conn == nil {
		return
	}
	conn := w.conn
	w.conn = nil
	w.events = nil
	if err := conn.Close(); err != nil {
		log.Printf("session=%s close connection error=%v", w.id, err)
	}
}

func (w *worker) stopQR() {
	if w.qrTimer != nil {
		w.qrTimer.Stop()
	}
	w.qrTimer = nil
	w.qrC = nil
}

func (w *worker) cancelTimers() {
	w.stopQR()
	if w.retryTimer != nil {
		w.retryTimer.Stop()
	}
	w.retryTimer = nil
	w.retryC = nil
}

// transition persists the new status and publishes it. lastError replaces
// the stored reason when non-empty.
func (w *worker) transition(to models.SessionStatus, lastError string, mutate func(*models.Session)) {
	from := w.snapshot().Status
	session, err := w.save(func(rec *models.Session) {
		rec.Status = to
		if lastError != "" {
			rec.LastError = lastError
		}
		if mutate != nil {
			mutate(rec)
		}
	})
	if err != nil {
		log.Printf("session=%s from=%s to=%s persist error=%v", w.id, from, to, err)
		return
	}
	log.Printf("session=%s from=%s to=%s", w.id, from, to)
	w.sup.publish(hub.SessionStatusUpdate{SessionID: w.id, Status: to, LastError: session.LastError})
	if to == models.SessionQRReady || from == models.SessionQRReady {
		w.sup.publish(hub.SessionQRUpdate{SessionID: w.id, QRCode: session.QRCode, Status: to})
	}
}

func (w *worker) save(fn func(*models.Session)) (models.Session, error) {
	session, err := w.sup.store.UpdateSession(w.sup.ctx, w.id, func(rec *models.Session) error {
		fn(rec)
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	w.mu.Lock()
	w.session = session
	w.mu.Unlock()
	return session, nil
}
