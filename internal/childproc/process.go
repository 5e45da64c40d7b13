// Package childproc owns the long-lived JSON-RPC child process: it spawns it
// with piped stdio, fans stdout chunks out to subscribers, logs stderr and
// reports the process lifecycle.
package childproc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/stdiorpc/internal/logx"
	"github.com/gaspardpetit/stdiorpc/internal/secret"
)

const (
	maxStderrLineSize = 1024 * 1024
	// pipeDrainDelay bounds how long output pipes are read after the child
	// exited. Helpers forked by the child may hold them open forever.
	pipeDrainDelay = time.Second
	// DefaultMaxBacklog bounds stdout bytes retained while nobody is subscribed.
	DefaultMaxBacklog = 4 * 1024 * 1024
)

var (
	// ErrSpawn wraps every failure to start the child or to obtain its pipes.
	ErrSpawn = errors.New("spawn child process")
	// ErrStdinClosed is returned by Write once the child has exited or is
	// being terminated.
	ErrStdinClosed = errors.New("child stdin closed")
)

// ExitError describes an abnormal child exit.
type ExitError struct {
	PID      int
	ExitCode int
	Err      error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("child process %d exited with code %d: %v", e.PID, e.ExitCode, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Options controls how the child is spawned.
type Options struct {
	Command string
	Args    []string
	Dir     string
	// Env is an allowlist. "KEY" copies the variable from the current
	// environment, "KEY=value" sets it explicitly. An empty list inherits the
	// whole environment.
	Env []string
	// OnStderr is called for every stderr line after it has been logged.
	OnStderr func(line string)
	// MaxBacklog bounds stdout bytes kept while there is no subscriber.
	MaxBacklog int
}

// Process is a running child with piped stdin, stdout and stderr.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderrR   *io.PipeReader
	stderrW   *io.PipeWriter
	pid       atomic.Int64
	command   string
	args      []string
	startedAt time.Time
	onStderr  func(string)

	writeMu     sync.Mutex
	stdinClosed bool

	// deliverMu keeps chunk order across live delivery and backlog flushes.
	deliverMu    sync.Mutex
	mu           sync.Mutex
	subs         map[uint64]func([]byte)
	nextSub      uint64
	backlog      [][]byte
	backlogBytes int
	maxBacklog   int
	dropWarned   bool
	// resync is set after a partial line was dropped.
	resync       bool

	done chan struct{}
	err  error
}

// Start spawns the child. Any error wraps ErrSpawn.
func Start(opts Options) (*Process, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("%w: command not configured", ErrSpawn)
	}
	//nolint:gosec // the command line is operator configuration
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = buildEnv(opts.Env)
	}

	maxBacklog := opts.MaxBacklog
	if maxBacklog <= 0 {
		maxBacklog = DefaultMaxBacklog
	}
	p := &Process{
		cmd:        cmd,
		command:    opts.Command,
		args:       append([]string(nil), opts.Args...),
		onStderr:   opts.OnStderr,
		subs:       map[uint64]func([]byte){},
		maxBacklog: maxBacklog,
		done:       make(chan struct{}),
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	p.stdin = stdin
	// exec copies the output pipes itself so that WaitDelay can cut them
	// loose from descendants that inherited them.
	cmd.Stdout = stdoutWriter{p}
	p.stderrR, p.stderrW = io.Pipe()
	cmd.Stderr = p.stderrW
	cmd.WaitDelay = pipeDrainDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	p.pid.Store(int64(cmd.Process.Pid))
	p.startedAt = time.Now()
	logx.Log.Info().Int("pid", p.PID()).Str("command", opts.Command).Strs("args", opts.Args).
		Strs("env", secret.MaskEnv(opts.Env)).Msg("child process started")

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.readStderr()
	}()
	go p.wait(stderrDone)
	return p, nil
}

// stdoutWriter receives the child's stdout from the exec copy goroutine.
type stdoutWriter struct{ p *Process }

func (w stdoutWriter) Write(b []byte) (int, error) {
	chunk := make([]byte, len(b))
	copy(chunk, b)
	w.p.deliver(chunk)
	return len(b), nil
}

func (p *Process) readStderr() {
	scanner := bufio.NewScanner(p.stderrR)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		logx.Log.Warn().Int("pid", p.PID()).Str("stderr", line).Msg("child stderr")
		if p.onStderr != nil {
			p.onStderr(line)
		}
	}
	if err := scanner.Err(); err != nil {
		logx.Log.Debug().Err(err).Int("pid", p.PID()).Msg("child stderr scanner error")
	}
	// keep the exec copy goroutine unblocked so Wait can return
	_, _ = io.Copy(io.Discard, p.stderrR)
}

func (p *Process) wait(stderrDone <-chan struct{}) {
	err := p.cmd.Wait()
	_ = p.stderrW.Close()
	<-stderrDone
	p.writeMu.Lock()
	p.stdinClosed = true
	p.writeMu.Unlock()

	if errors.Is(err, exec.ErrWaitDelay) {
		logx.Log.Warn().Int("pid", p.PID()).Msg("child exited but its output pipes stayed open; closed them")
		err = nil
	}
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		p.err = &ExitError{PID: p.PID(), ExitCode: code, Err: err}
		logx.Log.Warn().Int("pid", p.PID()).Int("exit_code", code).Err(err).Msg("child process exited")
	} else {
		logx.Log.Info().Int("pid", p.PID()).Msg("child process exited")
	}
	close(p.done)
}

func (p *Process) deliver(chunk []byte) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	if p.resync {
		if chunk = p.skipTorn(chunk); len(chunk) == 0 {
			p.mu.Unlock()
			return
		}
	}
	if len(p.subs) == 0 {
		p.retain(chunk)
		p.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.subs[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(chunk)
	}
}

// retain keeps chunk for the next subscriber. Over the bound, whole lines are
// dropped from the front so the backlog always starts on a line boundary.
// Caller holds p.mu.
func (p *Process) retain(chunk []byte) {
	p.backlog = append(p.backlog, chunk)
	p.backlogBytes += len(chunk)
	for p.backlogBytes > p.maxBacklog && len(p.backlog) > 0 {
		if !p.dropWarned {
			p.dropWarned = true
			logx.Log.Warn().Int("pid", p.PID()).Int("max_backlog", p.maxBacklog).Msg("dropping unsubscribed child output")
		}
		p.dropLine()
	}
}

// dropLine discards the oldest retained line through its newline. When no
// complete line is buffered everything goes, and output resumes after the
// next newline. Caller holds p.mu.
func (p *Process) dropLine() {
	for len(p.backlog) > 0 {
		head := p.backlog[0]
		if i := bytes.IndexByte(head, '\n'); i >= 0 {
			p.backlogBytes -= i + 1
			if i+1 == len(head) {
				p.backlog = p.backlog[1:]
			} else {
				p.backlog[0] = head[i+1:]
			}
			return
		}
		p.backlogBytes -= len(head)
		p.backlog = p.backlog[1:]
	}
	p.backlog = nil
	p.backlogBytes = 0
	p.resync = true
}

// skipTorn strips the remainder of a dropped line from chunk. Caller holds
// p.mu.
func (p *Process) skipTorn(chunk []byte) []byte {
	i := bytes.IndexByte(chunk, '\n')
	if i < 0 {
		return nil
	}
	p.resync = false
	return chunk[i+1:]
}

// Subscribe registers fn for every stdout chunk. Output read while nobody was
// subscribed is flushed to fn before Subscribe returns. fn runs on the
// reader goroutine and must not call Subscribe.
func (p *Process) Subscribe(fn func(chunk []byte)) (unsubscribe func()) {
	p.deliverMu.Lock()
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	pending := p.backlog
	p.backlog = nil
	p.backlogBytes = 0
	p.mu.Unlock()
	for _, chunk := range pending {
		fn(chunk)
	}
	p.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Write sends p verbatim to the child's stdin.
func (p *Process) Write(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdinClosed {
		return ErrStdinClosed
	}
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("write to child stdin: %w", err)
	}
	return nil
}

// CloseStdin signals end of input. Well-behaved stdio servers exit on EOF.
func (p *Process) CloseStdin() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	return p.stdin.Close()
}

// Terminate closes stdin, then escalates to SIGTERM and finally SIGKILL,
// waiting up to grace between steps. It returns once the child has exited;
// helpers left behind in its process group are killed.
func (p *Process) Terminate(grace time.Duration) error {
	defer p.killRemnants()
	if p.exited() {
		return nil
	}
	_ = p.CloseStdin()
	if p.waitFor(grace) {
		return nil
	}
	logx.Log.Info().Int("pid", p.PID()).Msg("sending SIGTERM to child")
	if err := signalTerminate(p.cmd.Process); err == nil && p.waitFor(grace) {
		return nil
	}
	return p.Kill()
}

// Kill stops the child and every process in its group immediately and waits
// for it to be reaped.
func (p *Process) Kill() error {
	if p.exited() {
		p.killRemnants()
		return nil
	}
	logx.Log.Warn().Int("pid", p.PID()).Msg("killing child process")
	if err := signalKill(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill child process (pid %d): %w", p.PID(), err)
	}
	<-p.done
	return nil
}

// killRemnants kills whatever is left of the child's process group after the
// child itself exited.
func (p *Process) killRemnants() {
	if p.exited() {
		_ = signalKill(p.cmd.Process)
	}
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) waitFor(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// Done is closed after the child exited and its output was drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the *ExitError of an abnormal exit. Only meaningful after Done.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// PID returns the operating system process id.
func (p *Process) PID() int { return int(p.pid.Load()) }

// Command returns the spawned executable.
func (p *Process) Command() string { return p.command }

// Args returns the spawned arguments.
func (p *Process) Args() []string { return append([]string(nil), p.args...) }

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// buildEnv constructs a limited environment from allowlisted variables.
// Each entry may be either "KEY" to copy from the current process env or
// "KEY=value" to set an explicit value. Variables not present in the current
// environment are skipped.
func buildEnv(vars []string) []string {
	var out []string
	for _, v := range vars {
		if strings.Contains(v, "=") {
			out = append(out, v)
			continue
		}
		if val, ok := os.LookupEnv(v); ok {
			out = append(out, fmt.Sprintf("%s=%s", v, val))
		}
	}
	return out
}
