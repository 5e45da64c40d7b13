// Package bridge forwards JSON-RPC requests to a stdio child process and
// pairs them with the responses framed out of its stdout.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/stdiorpc/internal/framing"
	"github.com/gaspardpetit/stdiorpc/internal/logx"
	"github.com/gaspardpetit/stdiorpc/internal/metrics"
	"github.com/gaspardpetit/stdiorpc/internal/reconnect"
	"github.com/gaspardpetit/stdiorpc/internal/serverstate"
)

// substitutePrefix marks ids assigned by the bridge.
const substitutePrefix = "stdiorpc-"

// Child is the part of a child process the bridge talks to.
type Child interface {
	Write(p []byte) error
	Subscribe(fn func(chunk []byte)) (unsubscribe func())
	Done() <-chan struct{}
	Kill() error
	PID() int
}

// Options configures a Bridge.
type Options struct {
	// RequestTimeout bounds each exchange. Zero waits until the caller's
	// context ends.
	RequestTimeout time.Duration
	// MaxInflight bounds pending exchanges. Zero disables the bound.
	MaxInflight int
	// MaxFrameBytes bounds one child output line. Zero uses
	// framing.DefaultMaxBytes, a negative value disables the bound.
	MaxFrameBytes int
	// KillOnTimeout kills the child when an exchange times out.
	KillOnTimeout bool
	// StopGrace is passed to children that support graceful termination.
	StopGrace time.Duration
	// RestartDelay returns the wait before respawn attempt n.
	RestartDelay func(attempt int) time.Duration
	State        *serverstate.Tracker
}

type attachment struct {
	child       Child
	framer      *framing.Framer
	unsubscribe func()
	pid         int
	since       time.Time
}

// Bridge multiplexes exchanges over one child's stdin and stdout.
type Bridge struct {
	opts  Options
	state *serverstate.Tracker

	// sendSlot keeps queue order equal to stdin write order.
	sendSlot chan struct{}

	mu      sync.Mutex
	att     *attachment
	pending map[string]*exchange
	queue   []*exchange
}

// New returns a Bridge with no child attached.
func New(opts Options) *Bridge {
	if opts.MaxFrameBytes == 0 {
		opts.MaxFrameBytes = framing.DefaultMaxBytes
	}
	if opts.RestartDelay == nil {
		opts.RestartDelay = reconnect.Delay
	}
	if opts.State == nil {
		opts.State = serverstate.NewTracker(nil)
	}
	return &Bridge{
		opts:     opts,
		state:    opts.State,
		pending:  map[string]*exchange{},
		sendSlot: make(chan struct{}, 1),
	}
}

// State returns the tracker the bridge reports lifecycle changes to.
func (b *Bridge) State() *serverstate.Tracker { return b.state }

// Attach binds child to the bridge with a fresh framer. Exchanges pending on
// a previously attached child fail with ErrProcessExited.
func (b *Bridge) Attach(child Child) {
	b.mu.Lock()
	old := b.att
	b.mu.Unlock()
	if old != nil {
		b.detach(old, nil)
	}
	b.attach(child)
}

func (b *Bridge) attach(child Child) *attachment {
	att := &attachment{
		child:  child,
		framer: framing.New(b.opts.MaxFrameBytes),
		pid:    child.PID(),
		since:  time.Now(),
	}
	b.mu.Lock()
	b.att = att
	b.mu.Unlock()
	// Subscribe may flush buffered output through onOutput, which takes b.mu.
	unsub := child.Subscribe(func(chunk []byte) { b.onOutput(att, chunk) })
	b.mu.Lock()
	att.unsubscribe = unsub
	b.mu.Unlock()
	logx.Log.Info().Int("pid", att.pid).Msg("child attached")
	return att
}

// detach unbinds att and fails every pending exchange.
func (b *Bridge) detach(att *attachment, cause error) {
	err := ErrProcessExited
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrProcessExited, cause)
	}
	b.mu.Lock()
	if b.att == att {
		b.att = nil
	}
	n := len(b.queue)
	for len(b.queue) > 0 {
		b.finish(b.queue[0], nil, err)
	}
	att.framer.Reset()
	unsub := att.unsubscribe
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	metrics.SetFrameBuffered(0)
	if n > 0 {
		logx.Log.Warn().Int("pid", att.pid).Int("failed", n).Msg("child detached with pending requests")
	}
}

func (b *Bridge) current() (*attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.att == nil {
		return nil, ErrNotRunning
	}
	return b.att, nil
}

// Running reports whether a child is attached.
func (b *Bridge) Running() bool {
	_, err := b.current()
	return err == nil
}

// Child returns the attached child, or nil.
func (b *Bridge) Child() Child {
	att, err := b.current()
	if err != nil {
		return nil
	}
	return att.child
}

// Forward writes payload to the child as one line and waits for the matching
// response. Notifications return (nil, nil) once written. RequestTimeout and
// ctx bound the whole exchange, stdin write included. The bridge never
// retries: each failure is returned once.
func (b *Bridge) Forward(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	req, err := prepare(payload)
	if err != nil {
		return nil, err
	}
	var timeout <-chan time.Time
	if b.opts.RequestTimeout > 0 {
		t := time.NewTimer(b.opts.RequestTimeout)
		defer t.Stop()
		timeout = t.C
	}
	if req.notification {
		att, err := b.current()
		if err != nil {
			return nil, err
		}
		if err := b.acquire(ctx, timeout); err != nil {
			return nil, err
		}
		if err := b.writeLine(ctx, att, req.line, timeout); err != nil {
			return nil, err
		}
		return nil, nil
	}
	ex, err := b.send(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	return b.await(ctx, ex, timeout)
}

// acquire takes the send slot. The slot is given back by the goroutine that
// performs the write, so a write still blocked on a full stdin pipe holds
// off every later exchange until it completes or the child dies.
func (b *Bridge) acquire(ctx context.Context, timeout <-chan time.Time) error {
	select {
	case b.sendSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return b.timeoutErr()
	}
}

// writeLine writes line to att's child. The caller holds the send slot; it is
// released once the write returns, even when the caller gave up first.
func (b *Bridge) writeLine(ctx context.Context, att *attachment, line []byte, timeout <-chan time.Time) error {
	errc := make(chan error, 1)
	go func() {
		errc <- att.child.Write(line)
		<-b.sendSlot
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("%w: write request: %v", ErrProcessExited, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		logx.Log.Warn().Int("pid", att.pid).Dur("timeout", b.opts.RequestTimeout).Msg("child stdin write timed out")
		if b.opts.KillOnTimeout {
			go b.kill(att)
		}
		return b.timeoutErr()
	}
}

func (b *Bridge) timeoutErr() error {
	return fmt.Errorf("%w after %s", ErrTimeout, b.opts.RequestTimeout)
}

func (b *Bridge) send(ctx context.Context, req *request, timeout <-chan time.Time) (*exchange, error) {
	if err := b.acquire(ctx, timeout); err != nil {
		return nil, err
	}

	b.mu.Lock()
	att := b.att
	if att == nil {
		b.mu.Unlock()
		<-b.sendSlot
		return nil, ErrNotRunning
	}
	if b.opts.MaxInflight > 0 && len(b.queue) >= b.opts.MaxInflight {
		b.mu.Unlock()
		<-b.sendSlot
		return nil, ErrBackpressure
	}
	ex := &exchange{state: StateSent, started: time.Now(), att: att, done: make(chan result, 1)}
	if req.fields != nil {
		ex.key = req.key
		if ex.key == "" || b.pending[ex.key] != nil {
			wire := substitutePrefix + uuid.NewString()
			idJSON, _ := json.Marshal(wire)
			req.fields["id"] = idJSON
			line, err := json.Marshal(req.fields)
			if err != nil {
				b.mu.Unlock()
				<-b.sendSlot
				return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
			}
			req.line = append(line, '\n')
			ex.key = "s:" + wire
			ex.callerID = req.id
			ex.substituted = true
		}
		b.pending[ex.key] = ex
	}
	b.queue = append(b.queue, ex)
	metrics.SetInflight(len(b.queue))
	b.mu.Unlock()

	if err := b.writeLine(ctx, att, req.line, timeout); err != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ex.state.terminal() {
			// answered while the tail of the line was still being written
			return ex, nil
		}
		b.remove(ex)
		ex.state = StateFailed
		return nil, err
	}
	b.mu.Lock()
	if ex.state == StateSent {
		ex.state = StateBuffering
	}
	b.mu.Unlock()
	return ex, nil
}

func (b *Bridge) await(ctx context.Context, ex *exchange, timeout <-chan time.Time) (json.RawMessage, error) {
	select {
	case r := <-ex.done:
		return r.resp, r.err
	case <-ctx.Done():
		if r, ok := b.abandon(ex); ok {
			return r.resp, r.err
		}
		return nil, ctx.Err()
	case <-timeout:
		if r, ok := b.abandon(ex); ok {
			return r.resp, r.err
		}
		logx.Log.Warn().Int("pid", ex.att.pid).Str("key", ex.key).Dur("timeout", b.opts.RequestTimeout).Msg("child response timed out")
		if b.opts.KillOnTimeout {
			go b.kill(ex.att)
		}
		return nil, b.timeoutErr()
	}
}

// abandon drops ex from the pending table. If ex already finished, its
// result is returned with ok set.
func (b *Bridge) abandon(ex *exchange) (result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex.state.terminal() {
		return <-ex.done, true
	}
	b.remove(ex)
	ex.state = StateFailed
	return result{}, false
}

func (b *Bridge) kill(att *attachment) {
	logx.Log.Warn().Int("pid", att.pid).Msg("killing child after timeout")
	if err := att.child.Kill(); err != nil {
		logx.Log.Error().Err(err).Int("pid", att.pid).Msg("kill child")
	}
}

// finish completes ex. Caller holds b.mu.
func (b *Bridge) finish(ex *exchange, resp json.RawMessage, err error) {
	b.remove(ex)
	if err != nil {
		ex.state = StateFailed
	} else {
		ex.state = StateComplete
	}
	ex.done <- result{resp: resp, err: err}
}

// remove drops ex from the tables. Caller holds b.mu.
func (b *Bridge) remove(ex *exchange) {
	if ex.key != "" && b.pending[ex.key] == ex {
		delete(b.pending, ex.key)
	}
	for i, q := range b.queue {
		if q == ex {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	metrics.SetInflight(len(b.queue))
}

// onOutput runs on the child's stdout reader goroutine.
func (b *Bridge) onOutput(att *attachment, chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.att != att {
		return
	}
	data := chunk
	for {
		msg, ok, err := att.framer.Feed(data)
		data = nil
		if err != nil {
			logx.Log.Error().Err(err).Int("pid", att.pid).Int("max_bytes", b.opts.MaxFrameBytes).Msg("discarding oversized child output")
			b.failOldest(err)
			continue
		}
		if !ok {
			break
		}
		b.route(msg)
	}
	metrics.SetFrameBuffered(att.framer.Buffered())
}

// route delivers one framed message. Caller holds b.mu.
func (b *Bridge) route(msg []byte) {
	if len(msg) == 0 {
		b.failOldest(&ParseError{Err: ErrEmptyLine})
		return
	}
	if msg[0] != '{' {
		if !json.Valid(msg) {
			var v any
			b.failOldest(&ParseError{Line: msg, Err: json.Unmarshal(msg, &v)})
			return
		}
		b.completeOldest(msg)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		b.failOldest(&ParseError{Line: msg, Err: err})
		return
	}
	if method, ok := fields["method"]; ok {
		logx.Log.Debug().RawJSON("method", method).Msg("dropping child-initiated message")
		metrics.RecordDroppedMessage("child_request")
		return
	}
	key := ""
	if id, ok := fields["id"]; ok {
		key = correlationKey(id)
	}
	if key == "" {
		b.completeOldest(msg)
		return
	}
	ex := b.pending[key]
	if ex == nil {
		logx.Log.Warn().RawJSON("id", fields["id"]).Msg("dropping response with unknown id")
		metrics.RecordDroppedMessage("unknown_id")
		return
	}
	if ex.substituted {
		callerID := ex.callerID
		if len(callerID) == 0 {
			callerID = json.RawMessage("null")
		}
		fields["id"] = callerID
		if out, err := json.Marshal(fields); err == nil {
			msg = out
		}
	}
	b.finish(ex, msg, nil)
}

// completeOldest hands a message without a usable id to the oldest exchange
// that has none either, or else to the oldest exchange.
func (b *Bridge) completeOldest(msg []byte) {
	for _, ex := range b.queue {
		if ex.key == "" {
			b.finish(ex, msg, nil)
			return
		}
	}
	if len(b.queue) > 0 {
		b.finish(b.queue[0], msg, nil)
		return
	}
	logx.Log.Warn().Int("bytes", len(msg)).Msg("dropping unsolicited child output")
	metrics.RecordDroppedMessage("unsolicited")
}

func (b *Bridge) failOldest(err error) {
	if len(b.queue) > 0 {
		b.finish(b.queue[0], nil, err)
		return
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		logx.Log.Warn().Err(err).Bytes("line", pe.Line).Msg("dropping unparsable child output")
	}
	metrics.RecordDroppedMessage("unparsable")
}

// ExchangeInfo describes one pending exchange.
type ExchangeInfo struct {
	Key         string  `json:"key,omitempty"`
	State       string  `json:"state"`
	Substituted bool    `json:"substituted,omitempty"`
	AgeSeconds  float64 `json:"age_seconds"`
}

// Snapshot is a point-in-time view of the bridge.
type Snapshot struct {
	Attached       bool           `json:"attached"`
	PID            int            `json:"pid,omitempty"`
	AttachedAt     *time.Time     `json:"attached_at,omitempty"`
	Pending        int            `json:"pending"`
	MaxInflight    int            `json:"max_inflight"`
	RequestTimeout float64        `json:"request_timeout_seconds"`
	FrameBuffered  int            `json:"frame_buffered_bytes"`
	Exchanges      []ExchangeInfo `json:"exchanges"`
}

// Snapshot returns the current pending exchanges and attachment.
func (b *Bridge) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Pending:        len(b.queue),
		MaxInflight:    b.opts.MaxInflight,
		RequestTimeout: b.opts.RequestTimeout.Seconds(),
		Exchanges:      make([]ExchangeInfo, 0, len(b.queue)),
	}
	if b.att != nil {
		since := b.att.since
		s.Attached = true
		s.PID = b.att.pid
		s.AttachedAt = &since
		s.FrameBuffered = b.att.framer.Buffered()
	}
	now := time.Now()
	for _, ex := range b.queue {
		s.Exchanges = append(s.Exchanges, ExchangeInfo{
			Key:         ex.key,
			State:       ex.state.String(),
			Substituted: ex.substituted,
			AgeSeconds:  now.Sub(ex.started).Seconds(),
		})
	}
	return s
}
