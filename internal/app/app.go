// Package app assembles the voice agent: it wires every subsystem from the
// loaded configuration and runs the HTTP surface they share.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/audit"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/calendar"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/config"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/dialog"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/interrupt"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/language"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/observe"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/orchestrator"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/phonebook"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/session"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/sms"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/stt"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/telemetry"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/telephony"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/tts"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/workflow"
	"github.com/alihamza79/custom-voice-agent-sub003/pkg/llm"
)

const shutdownTimeout = 10 * time.Second

// App is the assembled voice agent.
type App struct {
	log      *slog.Logger
	cfg      config.Config
	registry *session.Registry
	book     *phonebook.Book
	hub      *telemetry.Hub
	synth    *tts.Client
	limiter  *stt.Limiter
	router   chi.Router
}

// New wires the agent. The audit recorder is injected so main can choose
// between Postgres and the in-memory store.
func New(log *slog.Logger, cfg config.Config, auditor audit.Recorder) (*App, error) {
	provider, err := llm.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	if err != nil {
		return nil, fmt.Errorf("app: llm provider: %w", err)
	}

	book, err := phonebook.Load(log, cfg.Phonebook.Path)
	if err != nil {
		return nil, fmt.Errorf("app: phonebook: %w", err)
	}

	metrics := observe.DefaultMetrics()
	hub := telemetry.NewHub(log)
	registry := session.NewRegistry(log)
	limiter := stt.NewLimiter(log, cfg.Deepgram.MaxConnections)

	synth := tts.NewClient(log, tts.Config{
		APIKey:          cfg.ElevenLabs.APIKey,
		VoiceID:         cfg.ElevenLabs.VoiceID,
		FallbackVoiceID: cfg.ElevenLabs.FallbackVoiceID,
		ModelID:         cfg.ElevenLabs.ModelID,
	})

	smsClient := sms.New(log, sms.Config{
		AccountSID: cfg.Twilio.AccountSID,
		APIKey:     cfg.Twilio.APIKey,
		APISecret:  cfg.Twilio.APISecret,
		FromNumber: cfg.Twilio.FromNumber,
		TwiMLURL:   twimlURL(cfg.Server.StreamURL),
	})

	// The appointment backend is in-process; swap this for the external
	// calendar service's client without touching the flows.
	cal := calendar.NewMemory()

	teammate := workflow.NewTeammateFlow(log, provider, cal, auditor, smsClient)
	customer := workflow.NewCustomerFlow(log, provider, cal, auditor, smsClient)

	orch := orchestrator.New(orchestrator.Deps{
		Log:        log,
		Registry:   registry,
		Graph:      dialog.NewGraph(log, dialog.NewStore()),
		Translator: language.NewTranslator(log, provider),
		Interrupts: interrupt.NewExecutor(log, synth),
		Teammate:   teammate,
		Customer:   customer,
		Phonebook:  book,
		Calendar:   cal,
		Synth:      synth,
		Provider:   provider,
		Hub:        hub,
		Metrics:    metrics,
		NewTranscriber: orchestrator.NewTranscriberFactory(log, stt.Config{
			APIKey:   cfg.Deepgram.APIKey,
			Model:    cfg.Deepgram.Model,
			Language: cfg.Deepgram.Language,
		}, limiter),
		TTSLanguage: language.Lang(cfg.ElevenLabs.Language),
	})
	synth.OnFirstAudio(orch.ObserveTTSFirstAudio)
	synth.OnGenerationDone(orch.ObserveSpeechDone)

	a := &App{
		log:      log,
		cfg:      cfg,
		registry: registry,
		book:     book,
		hub:      hub,
		synth:    synth,
		limiter:  limiter,
	}
	a.router = a.routes(
		telephony.NewHandler(log, registry, orch),
		telephony.NewTwiMLHandler(log, cfg.Server.StreamURL),
		telephony.NewTokenIssuer(log, cfg.Twilio.AccountSID, cfg.Twilio.APIKey, cfg.Twilio.APISecret, cfg.Twilio.AppSID),
	)
	return a, nil
}

func (a *App) routes(media, twiml, token http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("voice agent up"))
	})
	r.Get("/health", a.handleHealth)
	r.Get("/events", a.hub.ServeHTTP)
	r.Get("/voice-token", token.ServeHTTP)
	r.Post("/twiml", twiml.ServeHTTP)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/media-stream", media.ServeHTTP)
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":               "ok",
		"tts_connection_state": string(a.synth.State()),
		"voice_id":             a.synth.VoiceID(),
		"model":                a.cfg.Deepgram.Model,
		"language":             a.cfg.ElevenLabs.Language,
		"stt_connections":      a.limiter.Active(),
		"active_sessions":      a.registry.Len(),
	})
}

// Handler exposes the router. For tests.
func (a *App) Handler() http.Handler { return a.router }

// Run serves until the context is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.synth.Connect(ctx); err != nil {
		// The client reconnects on the first send; a cold start without the
		// provider reachable is not fatal.
		a.log.Warn("tts connect failed at startup", "error", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: a.router,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	g.Go(func() error {
		a.registry.RunSweeper(ctx)
		return nil
	})
	g.Go(func() error {
		a.book.Watch(ctx)
		return nil
	})

	err := g.Wait()
	a.registry.Shutdown()
	a.synth.Close()
	return err
}

// twimlURL derives the public webhook address for outbound calls from the
// media-stream URL: same host, https scheme, /twiml path.
func twimlURL(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	return scheme + "://" + u.Host + "/twiml"
}
