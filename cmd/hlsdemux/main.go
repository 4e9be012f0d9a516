// Command hlsdemux is a thin harness exercising the demux engine: it
// fetches one HLS entry point, runs the demux until interrupted, and logs
// each track's events (and, at debug level, each buffer's size) to stdout.
// It is not the host pipeline —
// just enough wiring to drive pkg/hls and pkg/demux end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aminofox/hlsdemux/pkg/config"
	"github.com/aminofox/hlsdemux/pkg/demux"
	"github.com/aminofox/hlsdemux/pkg/hls"
	"github.com/aminofox/hlsdemux/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
)

// printSink logs every pushed event, and every pushed buffer at debug level,
// acting as a minimal downstream collaborator for a host pipeline
type printSink struct {
	track *demux.Track
	log   logger.Logger
}

func (s *printSink) PushBuffer(data []byte, evt demux.Event) demux.PushStatus {
	s.log.Debug("buffer", logger.String("pad", s.track.PadName()), logger.Int("bytes", len(data)), logger.Bool("discont", evt.Discont))
	return demux.PushOK
}

func (s *printSink) PushEvent(evt demux.Event) demux.PushStatus {
	s.log.Info("event", logger.String("pad", s.track.PadName()), logger.Int("type", int(evt.Type)))
	return demux.PushOK
}

func main() {
	configFile := flag.String("config", "", "Path to config file (optional)")
	entryURI := flag.String("uri", "", "HLS entry-point URI (master or media playlist)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hlsdemux %s (commit: %s)\n", version, commit)
		return
	}

	if *entryURI == "" {
		fmt.Fprintln(os.Stderr, "usage: hlsdemux -uri <playlist-url>")
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log := logger.NewDefaultLogger(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	fetcher, err := hls.NewFetcher(cfg, log)
	if err != nil {
		log.Fatal("failed to build fetcher", logger.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	coordinator := demux.NewCoordinator(cfg, fetcher, log)
	coordinator.SetSourceURI(*entryURI)

	body, err := fetcher.FetchBlob(ctx, *entryURI, 0, -1)
	if err != nil || body == nil {
		log.Fatal("failed to fetch entry point", logger.Err(err))
	}
	coordinator.PushInbound(body)

	if err := coordinator.EndOfInput(ctx, func(t *demux.Track) demux.Sink {
		return &printSink{track: t, log: log}
	}); err != nil {
		log.Fatal("failed to parse entry point", logger.Err(err))
	}

	log.Info("demux started", logger.Int("tracks", len(coordinator.Tracks())))

	<-ctx.Done()
	coordinator.Teardown()
	log.Info("demux stopped")
}
