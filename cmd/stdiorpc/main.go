package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/stdiorpc/internal/bridge"
	"github.com/gaspardpetit/stdiorpc/internal/childproc"
	"github.com/gaspardpetit/stdiorpc/internal/config"
	"github.com/gaspardpetit/stdiorpc/internal/inflight"
	"github.com/gaspardpetit/stdiorpc/internal/logx"
	"github.com/gaspardpetit/stdiorpc/internal/metrics"
	"github.com/gaspardpetit/stdiorpc/internal/secret"
	"github.com/gaspardpetit/stdiorpc/internal/server"
	"github.com/gaspardpetit/stdiorpc/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	// defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "stdiorpc version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		_, _ = fmt.Fprintf(out, "usage: stdiorpc [flags] [command [args...]]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("stdiorpc version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	cfg.ApplyArgs(flag.Args())
	if cfg.MetricsAddr != "" && !strings.Contains(cfg.MetricsAddr, ":") {
		cfg.MetricsAddr = ":" + cfg.MetricsAddr
	}

	logx.Configure(cfg.LogLevel)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	var store serverstate.Store
	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr, serverstate.DefaultRedisKey)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		store = rs
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis state store")
	}
	tracker := serverstate.NewTracker(store)

	command, args := cfg.ChildCommand()
	procOpts := childproc.Options{
		Command:  command,
		Args:     args,
		Dir:      cfg.Dir,
		Env:      cfg.Env,
		OnStderr: func(string) { metrics.RecordChildStderr() },
	}
	spawn := func(context.Context) (bridge.Child, error) {
		p, err := childproc.Start(procOpts)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	first, err := childproc.Start(procOpts)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("command", command).Strs("args", args).Msg("start child process")
	}

	b := bridge.New(bridge.Options{
		RequestTimeout: cfg.RequestTimeout,
		MaxInflight:    cfg.MaxInflight,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		KillOnTimeout:  cfg.KillOnTimeout,
		StopGrace:      cfg.StopGrace,
		State:          tracker,
	})
	counter := &inflight.Counter{}
	preg := server.NewRegistry()
	handler := server.New(cfg, server.Deps{Bridge: b, Inflight: counter, Registry: preg, Version: version})

	srv := &http.Server{Addr: cfg.ListenAddr(), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.SeparateMetrics() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", server.MetricsHandler(preg))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	// ctx ends the HTTP servers; childCtx outlives them so in-flight
	// exchanges can finish before the child is stopped.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	childCtx, stopChild := context.WithCancel(context.Background())
	defer stopChild()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go handleSignals(ctx, cancel, sigCh, tracker, counter, cfg.DrainTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logx.Log.Info().Int("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(sctx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
		stopChild()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return b.Supervise(childCtx, first, spawn, cfg.Restart)
	})
	go b.RunProbes(childCtx, cfg.ProbeInterval)

	if cfg.APIKey != "" {
		logx.Log.Info().Str("api_key", secret.Mask(cfg.APIKey)).Msg("API key auth enabled")
	}
	if err := g.Wait(); err != nil {
		logx.Log.Error().Err(err).Msg("bridge stopped")
		os.Exit(1)
	}
	logx.Log.Info().Msg("bridge stopped")
}

// handleSignals drains on the first signal and cancels on the second or
// once in-flight requests finish.
func handleSignals(ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal, tracker *serverstate.Tracker, counter *inflight.Counter, drainTimeout time.Duration) {
	for range sigCh {
		if tracker.IsDraining() || drainTimeout == 0 {
			logx.Log.Warn().Msg("termination requested")
			cancel()
			return
		}
		tracker.StartDrain()
		logx.Log.Info().Int64("inflight", counter.Load()).Msg("drain requested")
		waitCtx := ctx
		var stop context.CancelFunc
		if drainTimeout > 0 {
			logx.Log.Info().Dur("timeout", drainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			waitCtx, stop = context.WithTimeout(ctx, drainTimeout)
		} else {
			logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
		}
		go func() {
			if stop != nil {
				defer stop()
			}
			if counter.WaitForZero(waitCtx) {
				logx.Log.Info().Msg("drain complete; terminating")
				cancel()
				return
			}
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				logx.Log.Warn().Int64("inflight", counter.Load()).Msg("drain timeout exceeded; terminating")
				cancel()
			}
		}()
	}
}
