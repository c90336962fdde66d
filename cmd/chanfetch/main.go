package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chanfetch/internal/app"
	"chanfetch/internal/config"
	"chanfetch/internal/media"
	"chanfetch/internal/worker"
	logx "chanfetch/pkg/logx"
)

func main() {
	root := &cobra.Command{
		Use:           "chanfetch",
		Short:         "Per-chat download sandboxes driven from Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve := serveCmd()
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	root.AddCommand(serve, workerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		cfgPath   string
		envFile   string
		inProcess bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(ctx, app.Options{ConfigPath: cfgPath, InProcess: inProcess})
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run workers as goroutines instead of child processes")
	return cmd
}

// workerCmd is the child side of a sandbox: it speaks the line protocol on
// stdin/stdout and logs JSON to stderr for the dispatcher to relay.
func workerCmd() *cobra.Command {
	var (
		chatID         int64
		workDir        string
		sessionsDir    string
		instance       string
		heartbeat      time.Duration
		pollInterval   time.Duration
		requestTimeout time.Duration
		logLevel       string
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve one sandbox over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if workDir == "" {
				return errors.New("--workdir is required")
			}
			log := logx.NewJSON(os.Stderr, logLevel).With(
				logx.String("comp", "worker"),
				logx.Int64("chat_id", chatID),
				logx.String("instance", instance),
			)
			// The dispatcher owns our lifetime; stdin EOF or a signal ends the run.
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			err := worker.Serve(ctx, os.Stdin, os.Stdout, worker.Options{
				Transport:         media.NewHTTPTransport(media.NewSessionStore(sessionsDir), &http.Client{}, log),
				WorkDir:           workDir,
				HeartbeatInterval: heartbeat,
				PollInterval:      pollInterval,
				RequestTimeout:    requestTimeout,
				Log:               log,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("worker stopped", logx.Err(err))
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Int64Var(&chatID, "chat", 0, "chat id served by this worker")
	f.StringVar(&workDir, "workdir", "", "download directory")
	f.StringVar(&sessionsDir, "sessions-dir", "./sessions", "session credential directory")
	f.StringVar(&instance, "instance", "", "instance id assigned by the dispatcher")
	f.DurationVar(&heartbeat, "heartbeat", 5*time.Second, "heartbeat interval")
	f.DurationVar(&pollInterval, "poll-interval", time.Second, "fallback progress poll interval")
	f.DurationVar(&requestTimeout, "request-timeout", 0, "per-attempt request timeout (0 disables)")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
