// Package bridgetest provides an in-memory child process for bridge tests.
package bridgetest

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Write after the child exited.
var ErrClosed = errors.New("fake child closed")

// Child records stdin lines and lets tests emit stdout chunks.
type Child struct {
	pid int

	mu      sync.Mutex
	subs    map[int]func([]byte)
	nextSub int
	backlog [][]byte
	writes  [][]byte
	killed  bool
	err     error
	hold    chan struct{}

	lines chan []byte
	done  chan struct{}
	once  sync.Once
}

// New returns a running fake child with the given pid.
func New(pid int) *Child {
	return &Child{
		pid:   pid,
		subs:  map[int]func([]byte){},
		lines: make(chan []byte, 1024),
		done:  make(chan struct{}),
	}
}

// Write records p. It fails once the child has exited and blocks while
// writes are held.
func (c *Child) Write(p []byte) error {
	c.mu.Lock()
	hold := c.hold
	c.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-c.done:
		}
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	b := append([]byte(nil), p...)
	c.mu.Lock()
	c.writes = append(c.writes, b)
	c.mu.Unlock()
	select {
	case c.lines <- b:
	default:
	}
	return nil
}

// HoldWrites blocks every Write until release is called or the child exits,
// like a child that stopped reading its full stdin pipe.
func (c *Child) HoldWrites() (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.hold = ch
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.hold = nil
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribe registers fn for emitted chunks, flushing anything emitted while
// nobody was subscribed.
func (c *Child) Subscribe(fn func([]byte)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	pending := c.backlog
	c.backlog = nil
	c.mu.Unlock()
	for _, chunk := range pending {
		fn(chunk)
	}
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Emit delivers chunk to subscribers as if read from stdout.
func (c *Child) Emit(chunk []byte) {
	c.mu.Lock()
	if len(c.subs) == 0 {
		c.backlog = append(c.backlog, append([]byte(nil), chunk...))
		c.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(append([]byte(nil), chunk...))
	}
}

// EmitLine emits s followed by a newline.
func (c *Child) EmitLine(s string) { c.Emit([]byte(s + "\n")) }

// Lines yields every line written to stdin.
func (c *Child) Lines() <-chan []byte { return c.lines }

// NextLine waits up to d for the next stdin line.
func (c *Child) NextLine(d time.Duration) ([]byte, bool) {
	select {
	case l := <-c.lines:
		return l, true
	case <-time.After(d):
		return nil, false
	}
}

// Writes returns every line written so far.
func (c *Child) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Serve answers each stdin line with handler's result until the child exits.
// A nil result sends nothing.
func (c *Child) Serve(handler func(line []byte) []byte) {
	go func() {
		for {
			select {
			case <-c.done:
				return
			case l := <-c.lines:
				if out := handler(l); out != nil {
					c.Emit(append(out, '\n'))
				}
			}
		}
	}()
}

// Exit ends the child with err as its exit error.
func (c *Child) Exit(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Kill exits the child.
func (c *Child) Kill() error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.Exit(errors.New("signal: killed"))
	return nil
}

// Killed reports whether Kill was called.
func (c *Child) Killed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// Done closes when the child exits.
func (c *Child) Done() <-chan struct{} { return c.done }

// Err returns the exit error.
func (c *Child) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// PID returns the fake pid.
func (c *Child) PID() int { return c.pid }

// Echo answers requests with {"jsonrpc":"2.0","id":<id>,"result":<params>}.
// Lines without an id get no answer.
func Echo(line []byte) []byte {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
		return nil
	}
	id, ok := req["id"]
	if !ok {
		return nil
	}
	result := req["params"]
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	out, _ := json.Marshal(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      id,
		"result":  result,
	})
	return out
}
