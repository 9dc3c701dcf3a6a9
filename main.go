package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatpipe/credential"
	"chatpipe/hub"
	"chatpipe/pipeline"
	"chatpipe/store"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "chatpipe.db") {
			return
		}
	}

	dbPath := flag.String("db", "chatpipe.db", "SQLite database path")
	apiAddr := flag.String("api-addr", "127.0.0.1:19800", "loopback REST API listen address")
	socketAddr := flag.String("socket-addr", "127.0.0.1:19801", "loopback socket hub listen address")
	videoID := flag.String("video-id", "", "video id to resolve and ingest chat from")
	mode := flag.String("mode", "official", "transport mode: official, inner, or stream")
	serverName := flag.String("server-name", "chatpipe", "display name reported by /api/health")
	userKey := flag.String("api-key", "", "BYOK credential (fallback after the STREAM_API_KEY_* bundled keys)")
	flag.Parse()

	log := logrus.New()
	sessionID := uuid.NewString()
	log.WithField("session_id", sessionID).Info("chatpipe: starting")

	st, err := store.New(*dbPath, log.WithField("component", "store"))
	if err != nil {
		log.WithError(err).Fatal("store: open failed")
	}
	defer st.Close()

	cred := credential.Global(*userKey, os.Getenv("STREAM_API_KEY_PRIMARY"), os.Getenv("STREAM_API_KEY_SECONDARY"))

	h := hub.New(log.WithField("component", "hub"))
	pl := pipeline.New(st, h, cred, log.WithField("component", "pipeline"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("chatpipe: shutting down")
		cancel()
	}()

	go logPipelineEvents(ctx, pl, log)

	// Periodically optimize SQLite's query planner, matching the teacher's
	// own hourly maintenance ticker.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					log.WithError(err).Warn("store: optimize failed")
				}
			}
		}
	}()

	if *videoID != "" {
		if err := startPipeline(ctx, pl, pipeline.Mode(*mode), *videoID, log); err != nil {
			log.WithError(err).Error("pipeline: start failed")
		}
	}
	defer pl.Stop()

	apiSrv := NewAPIServer(st, h, *serverName)
	go func() {
		if err := apiSrv.Run(ctx, *apiAddr); err != nil {
			log.WithError(err).Error("api: server exited")
		}
	}()
	log.WithField("addr", *apiAddr).Info("api: listening")

	go func() {
		if err := runSocketHub(ctx, h, *socketAddr, log); err != nil {
			log.WithError(err).Error("hub: socket listener exited")
		}
	}()
	log.WithField("addr", *socketAddr).Info("hub: listening")

	<-ctx.Done()
}

// startPipeline resolves a live-chat id (for official/stream modes) and
// starts the pipeline against it.
func startPipeline(ctx context.Context, pl *pipeline.Pipeline, mode pipeline.Mode, videoID string, log logrus.FieldLogger) error {
	target := videoID
	if mode == pipeline.ModeOfficial || mode == pipeline.ModeStream {
		chatID, err := pl.ResolveChatID(ctx, videoID)
		if err != nil {
			return fmt.Errorf("resolve chat id: %w", err)
		}
		target = chatID
	}
	return pl.Start(ctx, mode, target)
}

// runSocketHub serves C9's loopback socket surface: a bare net/http server
// whose single handler upgrades every request to a websocket and hands it
// to the hub's peer registry, matching the teacher's own split between the
// websocket listener (server.go) and the REST API listener (api.go).
func runSocketHub(ctx context.Context, h *hub.Hub, addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if err := h.Accept(w, r); err != nil {
			log.WithError(err).Debug("hub: accept failed")
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// logPipelineEvents drains the pipeline's local event channel and logs
// each batch, standing in for the "chat-messages" local event's UI
// consumer in this headless deployment.
func logPipelineEvents(ctx context.Context, pl *pipeline.Pipeline, log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-pl.Events():
			log.WithField("kind", ev.Kind).WithField("count", len(ev.Messages)).Debug("pipeline: local event")
		}
	}
}
