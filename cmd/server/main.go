package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cmdmanager/internal/cmdlog"
	"cmdmanager/internal/config"
	"cmdmanager/internal/realtime"
	"cmdmanager/internal/server"
	"cmdmanager/internal/session"
	"cmdmanager/internal/watcher"

	"github.com/spf13/pflag"
)

const httpShutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("cmdmanager", pflag.ContinueOnError)
	flagSet.StringVarP(&settings.ListenAddr, "listen", "l", settings.ListenAddr, "TCP address for command sessions")
	flagSet.StringVar(&settings.HTTPAddr, "http", settings.HTTPAddr, "HTTP address for the admin API and WebSocket gateway (empty disables it)")
	flagSet.StringVarP(&settings.Mode, "mode", "m", settings.Mode, "session mode: single or persistent")
	flagSet.StringVar(&settings.LogFile, "log-file", settings.LogFile, "command log file")
	flagSet.StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "log level: debug, info, warn or error")
	flagSet.StringVar(&settings.PolicyFile, "policy", settings.PolicyFile, "YAML command policy file, reloaded on change")
	flagSet.StringVar(&settings.CommandShell, "shell", settings.CommandShell, "shell used to run commands")
	flagSet.StringVar(&settings.BackgroundLogDir, "background-log-dir", settings.BackgroundLogDir, "directory for background job output")
	flagSet.IntVar(&settings.MaxSessions, "max-sessions", settings.MaxSessions, "maximum concurrent sessions (0 for no limit)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: cmdmanager [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: settings.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policies := config.NewPolicyStore(settings.Policy())
	if settings.PolicyFile != "" {
		if _, err := policies.Reload(settings.PolicyFile); err != nil {
			return err
		}
		fileWatch, err := watcher.New(watcher.DefaultDebounce, logger.With("component", "watcher"))
		if err != nil {
			return err
		}
		defer fileWatch.Close()

		err = fileWatch.Watch(settings.PolicyFile, func(path string) error {
			p, err := policies.Reload(path)
			if err != nil {
				return err
			}
			logger.Info("policy updated", "denyChars", p.DenyChars, "defaultTimeout", p.DefaultTimeout, "longTimeout", p.LongTimeout)
			return nil
		})
		if err != nil {
			return err
		}
	}

	sessMgr := session.NewManager(settings.MaxSessions, settings.MaxHistory, logger.With("component", "sessions"))
	writer := cmdlog.NewWriter(settings.LogFile)
	runner := &session.Runner{Shell: settings.CommandShell, BackgroundLogDir: settings.BackgroundLogDir}
	srv := server.New(server.OptionsFromSettings(settings), policies, runner, writer, sessMgr, logger.With("component", "server"))

	if settings.HTTPAddr != "" {
		rtServer := realtime.New(sessMgr, srv, writer, logger.With("component", "realtime"))
		httpServer := &http.Server{
			Addr:        settings.HTTPAddr,
			Handler:     rtServer.Handler(),
			BaseContext: func(net.Listener) context.Context { return ctx },
		}

		go func() {
			logger.Info("admin API listening", "addr", settings.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		sessMgr.Shutdown()
	}()

	return srv.ListenAndServe(ctx)
}
