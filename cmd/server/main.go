package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/avatar"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/config"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/coordinator"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/host"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/httpserver"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/llm"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/logging"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/speech"
	"github.com/sungbongju/InteractiveAvatarNextJSDemoV3/internal/vadgate"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogConsole)

	responder := llm.NewClient(cfg.ResponderURL, logging.Component(log, "responder"))
	tokens := avatar.NewTokenClient(cfg.TokenURL)

	sessionCfg := avatar.SessionConfig{
		AvatarID:    cfg.AvatarID,
		VoiceID:     cfg.VoiceID,
		VoiceRate:   cfg.VoiceRate,
		KnowledgeID: cfg.KnowledgeID,
		Quality:     "high",
	}
	newSink := func(token string, ev coordinator.SinkEvents) (coordinator.Sink, error) {
		client := avatar.NewClient(cfg.AvatarWSURL, token, sessionCfg, avatar.Events{
			OnStreamReady:  ev.OnStreamReady,
			OnStartTalking: ev.OnStartTalking,
			OnStopTalking:  ev.OnStopTalking,
			OnDisconnected: ev.OnDisconnected,
		}, logging.Component(log, "avatar"))
		return client, nil
	}

	newSource := func(cb speech.Callbacks) speech.Source {
		switch cfg.SpeechBackend {
		case "deepgram":
			return speech.NewDeepgramSource(speech.DeepgramConfig{
				APIKey: cfg.DeepgramAPIKey,
			}, cb, logging.Component(log, "speech"))
		case "push":
			return speech.NewPushToTalkSource(cfg.TranscribeURL, vadgate.DefaultConfig(), cb, logging.Component(log, "speech"))
		default:
			return speech.NewStreamingSource(cfg.SttWSURL, cb, logging.Component(log, "speech"))
		}
	}

	tuning := coordinator.Tuning{
		GreetingSettle:  cfg.GreetingSettle,
		MicResumeDelay:  cfg.MicResumeDelay,
		TeardownQuiesce: cfg.TeardownQuiesce,
	}

	factory := func(obs coordinator.Observer) host.Controller {
		return coordinator.New(tuning, tokens, newSink, newSource, responder, obs, logging.Component(log, "coordinator"))
	}

	widget := host.New(factory, logging.Component(log, "host"))
	srv := httpserver.New(widget, logging.Component(log, "http"))

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddress).Msg("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
}
