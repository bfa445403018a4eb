package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"duoshe/internal/app"
	logx "duoshe/pkg/logx"
)

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with secrets")
	flag.Parse()

	// Used until the configured logger exists, and after it is closed.
	bootLog := logx.NewConsole("info").With(logx.String("comp", "main"))

	// A missing .env is normal; a broken one is not.
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootLog.Error("load env failed", logx.String("path", envPath), logx.Err(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath, os.Getenv)
	if err != nil {
		bootLog.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		bootLog.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	// No-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.StopTimeout())
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		bootLog.Error("fatal", logx.Err(err))
		os.Exit(1)
	}
	if stopErr != nil {
		bootLog.Error("stop failed", logx.Err(stopErr))
		os.Exit(1)
	}
}
