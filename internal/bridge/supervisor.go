package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/gaspardpetit/stdiorpc/internal/logx"
	"github.com/gaspardpetit/stdiorpc/internal/metrics"
	"github.com/gaspardpetit/stdiorpc/internal/serverstate"
)

// stableAfter resets the restart backoff once a child has been up this long.
const stableAfter = time.Minute

// Spawner starts a replacement child.
type Spawner func(ctx context.Context) (Child, error)

type terminator interface {
	Terminate(grace time.Duration) error
}

type exitReporter interface {
	Err() error
}

// Supervise attaches first and keeps a child attached until ctx ends. When a
// child exits, its pending exchanges fail with ErrProcessExited; with restart
// set a new child is spawned after the backoff delay, otherwise Supervise
// returns the exit as an error. On cancellation the current child is
// terminated and Supervise returns nil once it has exited.
func (b *Bridge) Supervise(ctx context.Context, first Child, spawn Spawner, restart bool) error {
	child := first
	attempt := 0
	restarted := false
	for {
		att := b.attach(child)
		b.state.ChildStarted(att.pid, restarted)
		metrics.SetChildUp(true)

		select {
		case <-child.Done():
		case <-ctx.Done():
			b.stop(child)
			b.detach(att, nil)
			metrics.SetChildUp(false)
			b.state.ChildExited(serverstate.StatusStopped)
			return nil
		}

		var cause error
		if r, ok := child.(exitReporter); ok {
			cause = r.Err()
		}
		b.detach(att, cause)
		metrics.SetChildUp(false)
		logx.Log.Warn().Err(cause).Int("pid", att.pid).Dur("uptime", time.Since(att.since)).Msg("child process gone")

		if !restart || spawn == nil {
			b.state.ChildExited(serverstate.StatusStopped)
			if cause != nil {
				return fmt.Errorf("%w: %v", ErrProcessExited, cause)
			}
			return ErrProcessExited
		}
		b.state.ChildExited(serverstate.StatusRestarting)
		if time.Since(att.since) > stableAfter {
			attempt = 0
		}
		next, err := b.respawn(ctx, spawn, &attempt)
		if err != nil {
			b.state.ChildExited(serverstate.StatusStopped)
			return nil
		}
		child = next
		restarted = true
		metrics.RecordChildRestart()
	}
}

// respawn retries spawn with backoff until it succeeds or ctx ends.
func (b *Bridge) respawn(ctx context.Context, spawn Spawner, attempt *int) (Child, error) {
	for {
		d := b.opts.RestartDelay(*attempt)
		*attempt++
		logx.Log.Info().Int("attempt", *attempt).Dur("delay", d).Msg("restarting child process")
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		child, err := spawn(ctx)
		if err == nil {
			return child, nil
		}
		logx.Log.Error().Err(err).Int("attempt", *attempt).Msg("respawn child process")
	}
}

func (b *Bridge) stop(child Child) {
	if t, ok := child.(terminator); ok {
		if err := t.Terminate(b.opts.StopGrace); err != nil {
			logx.Log.Error().Err(err).Int("pid", child.PID()).Msg("terminate child")
		}
		return
	}
	if err := child.Kill(); err != nil {
		logx.Log.Error().Err(err).Int("pid", child.PID()).Msg("kill child")
	}
}
