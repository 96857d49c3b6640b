package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskx/internal/api"
	"taskx/internal/config"
	httptask "taskx/internal/handlers/http"
	"taskx/internal/handlers/shell"
	"taskx/internal/worker"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s run [-serve] [-env file] [-debug]\n", os.Args[0])
}

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		serve   = fs.Bool("serve", false, "run the worker in background and serve the HTTP API")
		envFile = fs.String("env", "", "env file to load (default .env when present)")
		debug   = fs.Bool("debug", false, "expose pprof under /debug/pprof")
	)
	fs.Parse(os.Args[2:])

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := worker.ModeBlocking
	if *serve {
		mode = worker.ModeBackground
	}
	w := worker.New(worker.WithMode(mode))
	w.Define(shell.Name, shell.Run)
	w.Define(httptask.Name, httptask.Run)

	if err := w.Init(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("init worker")
	}
	defer w.Close()

	log.Info().Str("worker_id", w.ID()).Str("mode", mode.String()).Msg("starting worker")
	if err := w.Start(ctx); err != nil {
		log.Error().Err(err).Msg("start worker")
		return
	}
	if !*serve {
		log.Info().Msg("worker stopped")
		return
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServerWithDebug(w, *debug)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
