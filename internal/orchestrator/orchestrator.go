// Package orchestrator connects the transport to everything else: it owns the
// per-call pipeline from inbound audio through transcription, dialog, and
// synthesis back to the caller. It implements telephony.SessionEvents and is
// the only place where the subsystems meet.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/calendar"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/dialog"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/interrupt"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/language"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/observe"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/phonebook"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/session"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/stt"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/telemetry"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/telephony"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/tts"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/workflow"
	"github.com/alihamza79/custom-voice-agent-sub003/pkg/llm"
)

// sttRetryDelay is how long to wait before retrying a saturated transcription
// limiter for a live call.
const sttRetryDelay = 5 * time.Second

// Graph is the dialog surface the orchestrator drives. *dialog.Graph
// satisfies it.
type Graph interface {
	Invoke(ctx context.Context, threadID, transcript string) (dialog.Result, error)
	Store() *dialog.Store
}

// Synth is the synthesis surface the orchestrator drives. *tts.Client
// satisfies it.
type Synth interface {
	SetSink(streamSID string, sink tts.Sink)
	ClearSink(streamSID string)
	CancelCurrent(streamSID string)
	SendText(text string) error
	Flush() error
}

// Transcriber is one call's transcription session.
type Transcriber interface {
	SendAudio(mulaw []byte) error
	Close()
}

// TranscriberFactory opens a Transcriber with the given callbacks already
// wired. It returns stt.ErrSaturated when no slot is free.
type TranscriberFactory func(ctx context.Context, streamSID string, cb stt.Callbacks) (Transcriber, error)

// NewTranscriberFactory returns a factory producing Deepgram clients behind
// the shared limiter.
func NewTranscriberFactory(log *slog.Logger, cfg stt.Config, limiter *stt.Limiter) TranscriberFactory {
	return func(ctx context.Context, streamSID string, cb stt.Callbacks) (Transcriber, error) {
		c := stt.NewClient(log.With("stream_sid", streamSID), cfg, limiter, cb)
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Log        *slog.Logger
	Registry   *session.Registry
	Graph      Graph
	Translator *language.Translator
	Interrupts *interrupt.Executor
	Teammate   *workflow.TeammateFlow
	Customer   *workflow.CustomerFlow
	Phonebook  *phonebook.Book
	Calendar   calendar.Service
	Synth      Synth
	Provider   llm.Provider
	Hub        *telemetry.Hub
	Metrics    *observe.Metrics

	NewTranscriber TranscriberFactory

	// TTSLanguage is the language replies are spoken in.
	TTSLanguage language.Lang
}

// turnQueueDepth bounds how many finals may pile up behind a slow turn
// before further utterances are shed.
const turnQueueDepth = 16

type turnItem struct {
	transcript string
	conf       float64
}

type callState struct {
	writer telephony.MediaWriter
	stt    Transcriber
	opens  int
	turns  chan turnItem
}

// Orchestrator implements telephony.SessionEvents.
type Orchestrator struct {
	log        *slog.Logger
	registry   *session.Registry
	graph      Graph
	translator *language.Translator
	interrupts *interrupt.Executor
	teammate   *workflow.TeammateFlow
	customer   *workflow.CustomerFlow
	book       *phonebook.Book
	cal        calendar.Service
	synth      Synth
	provider   llm.Provider
	hub        *telemetry.Hub
	metrics    *observe.Metrics

	newTranscriber TranscriberFactory
	ttsLang        language.Lang
	after          func(d time.Duration, fn func()) *time.Timer

	mu    sync.Mutex
	calls map[string]*callState
}

var _ telephony.SessionEvents = (*Orchestrator)(nil)

// New wires the orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		log:            d.Log,
		registry:       d.Registry,
		graph:          d.Graph,
		translator:     d.Translator,
		interrupts:     d.Interrupts,
		teammate:       d.Teammate,
		customer:       d.Customer,
		book:           d.Phonebook,
		cal:            d.Calendar,
		synth:          d.Synth,
		provider:       d.Provider,
		hub:            d.Hub,
		metrics:        d.Metrics,
		newTranscriber: d.NewTranscriber,
		ttsLang:        d.TTSLanguage,
		after:          time.AfterFunc,
		calls:          map[string]*callState{},
	}
}

// SetAfterFunc overrides retry scheduling. For tests.
func (o *Orchestrator) SetAfterFunc(fn func(d time.Duration, f func()) *time.Timer) {
	o.after = fn
}

// OnStreamStart implements telephony.SessionEvents.
func (o *Orchestrator) OnStreamStart(ctx context.Context, info telephony.StartInfo, w telephony.MediaWriter) {
	sess := o.registry.GetOrCreate(info.StreamSID)
	o.registry.AssociateCallSID(info.StreamSID, info.CallSID)

	caller := session.CallerInfo{Phone: info.From, Role: session.RoleCustomer}
	if o.book != nil && info.From != "" {
		caller = o.book.Lookup(info.From)
	}

	// An outbound call we placed ourselves carries a delay payload filed
	// under its call SID. Such a call is always customer-side.
	if d := o.teammate.TakeDelayData(info.CallSID); d != nil {
		o.registry.SetDelayData(info.StreamSID, d)
		caller = session.CallerInfo{
			Name:  d.CustomerName,
			Phone: d.CustomerPhone,
			Role:  session.RoleCustomer,
		}
	}
	o.registry.SetCallerInfo(info.StreamSID, caller)

	if info.Custom["immediate_callback"] == "true" {
		o.registry.SetImmediateCallback(info.StreamSID, true)
	}

	if caller.Role == session.RoleTeammate {
		appts, err := o.cal.Upcoming(ctx, caller.Phone)
		if err != nil {
			o.log.Warn("calendar preload failed",
				"stream_sid", info.StreamSID, "error", err)
		} else {
			o.registry.SetPreloadedAppointments(info.StreamSID, appts)
		}
	}

	turnCtx, stopTurns := context.WithCancel(context.Background())
	cs := &callState{
		writer: w,
		turns:  make(chan turnItem, turnQueueDepth),
	}
	o.mu.Lock()
	o.calls[info.StreamSID] = cs
	o.mu.Unlock()
	go o.drainTurns(turnCtx, sess, cs.turns)

	o.metrics.ActiveSessions.Add(ctx, 1)
	sess.OnCleanup(func() { o.metrics.ActiveSessions.Add(context.Background(), -1) })
	sess.OnCleanup(func() { o.synth.ClearSink(info.StreamSID) })
	sess.OnCleanup(func() { o.graph.Store().Delete(sess.ThreadID()) })
	sess.OnCleanup(func() {
		o.teammate.Forget(info.StreamSID)
		o.customer.Forget(info.StreamSID)
	})
	sess.OnCleanup(stopTurns)
	sess.OnCleanup(func() { o.dropCall(info.StreamSID) })

	o.startTranscriber(info.StreamSID)

	o.hub.Publish(telemetry.EventCallStarted, map[string]any{
		"stream_sid": info.StreamSID,
		"call_sid":   info.CallSID,
		"role":       string(caller.Role),
	})
}

// startTranscriber opens the call's STT session. A saturated limiter is
// retried as long as the session is alive.
func (o *Orchestrator) startTranscriber(streamSID string) {
	sess := o.registry.Get(streamSID)
	if sess == nil {
		return
	}

	cb := stt.Callbacks{
		OnInterim: func(text string, conf float64) {
			o.handleInterim(streamSID, text, conf)
		},
		OnSpeechFinal: func(text string, conf float64) {
			o.handleSpeechFinal(streamSID, text, conf)
		},
		OnOpen: func() { o.onSTTOpen(streamSID) },
		OnClose: func(err error) {
			o.metrics.STTConnections.Add(context.Background(), -1)
			if err != nil {
				o.log.Error("transcription ended with error",
					"stream_sid", streamSID, "error", err)
				o.metrics.RecordProviderError(context.Background(), "deepgram", "closed")
			}
		},
	}

	tr, err := o.newTranscriber(context.Background(), streamSID, cb)
	if errors.Is(err, stt.ErrSaturated) {
		o.log.Warn("stt saturated, retrying", "stream_sid", streamSID, "retry_in", sttRetryDelay)
		o.after(sttRetryDelay, func() { o.startTranscriber(streamSID) })
		return
	}
	if err != nil {
		o.log.Error("stt start failed", "stream_sid", streamSID, "error", err)
		o.metrics.RecordProviderError(context.Background(), "deepgram", "start")
		return
	}

	o.mu.Lock()
	if cs := o.calls[streamSID]; cs != nil {
		cs.stt = tr
	}
	o.mu.Unlock()

	o.metrics.STTConnections.Add(context.Background(), 1)
	sess.OnCleanup(tr.Close)
}

func (o *Orchestrator) onSTTOpen(streamSID string) {
	o.mu.Lock()
	var opens int
	if cs := o.calls[streamSID]; cs != nil {
		cs.opens++
		opens = cs.opens
	}
	o.mu.Unlock()

	if opens > 1 {
		o.metrics.STTReconnects.Add(context.Background(), 1)
		o.log.Info("stt reconnected", "stream_sid", streamSID, "open", opens)
	}
}

// OnFirstMedia implements telephony.SessionEvents. The first audio chunk is
// the cue to speak the opening line.
func (o *Orchestrator) OnFirstMedia(streamSID string) {
	sess := o.registry.Get(streamSID)
	if sess == nil || !sess.MarkGreeted() {
		return
	}
	go o.greet(sess)
}

func (o *Orchestrator) greet(sess *session.Session) {
	sess.TurnLock().Lock()
	defer sess.TurnLock().Unlock()

	ctx := context.Background()
	var text string
	switch {
	case sess.Caller().Role == session.RoleTeammate:
		text = o.teammate.Begin(ctx, sess)
	case sess.Delay() != nil:
		text = o.customer.Greeting(sess.Delay())
	default:
		res, err := o.graph.Invoke(ctx, sess.ThreadID(), "")
		if err != nil {
			o.log.Error("greeting failed", "stream_sid", sess.StreamSID(), "error", err)
			return
		}
		text = res.Reply
	}
	o.speak(ctx, sess, text)
}

// OnInboundAudio implements telephony.SessionEvents.
func (o *Orchestrator) OnInboundAudio(streamSID string, mulaw []byte) {
	o.registry.Touch(streamSID)

	o.mu.Lock()
	var tr Transcriber
	if cs := o.calls[streamSID]; cs != nil {
		tr = cs.stt
	}
	o.mu.Unlock()
	if tr == nil {
		return
	}

	if err := tr.SendAudio(mulaw); err != nil {
		o.log.Debug("inbound audio dropped", "stream_sid", streamSID, "error", err)
	}
}

// OnMark implements telephony.SessionEvents.
func (o *Orchestrator) OnMark(streamSID, name string) {
	o.log.Debug("mark echoed", "stream_sid", streamSID, "name", name)
}

// OnStreamStop implements telephony.SessionEvents.
func (o *Orchestrator) OnStreamStop(streamSID string) {
	o.hub.Publish(telemetry.EventCallEnded, map[string]any{"stream_sid": streamSID})
	o.synth.ClearSink(streamSID)

	o.mu.Lock()
	var tr Transcriber
	if cs := o.calls[streamSID]; cs != nil {
		tr = cs.stt
		cs.writer = nil
	}
	o.mu.Unlock()
	if tr != nil {
		tr.Close()
	}

	o.registry.Cleanup(streamSID, session.ReasonConnectionClosed)
}

// handleInterim classifies a partial hypothesis and executes any barge-in.
func (o *Orchestrator) handleInterim(streamSID, text string, conf float64) {
	sess := o.registry.Get(streamSID)
	if sess == nil {
		return
	}

	o.hub.Publish(telemetry.EventTranscriptPartial, map[string]any{
		"stream_sid": streamSID,
		"text":       text,
		"confidence": conf,
	})

	if !sess.Speaking() {
		return
	}
	d := interrupt.Classify(text, language.Lang(sess.Language()), conf)
	if !d.Interrupt {
		return
	}

	w := o.writer(streamSID)
	if w == nil {
		return
	}
	o.metrics.RecordInterruption(context.Background(), string(d.Level))
	o.interrupts.Execute(context.Background(), sess, w, d)
}

// handleSpeechFinal queues the utterance for the call's turn goroutine so the
// STT reader is never blocked behind an LLM call. A single consumer per call
// keeps finals in arrival order.
func (o *Orchestrator) handleSpeechFinal(streamSID, text string, conf float64) {
	sess := o.registry.Get(streamSID)
	if sess == nil || strings.TrimSpace(text) == "" {
		return
	}
	o.registry.Touch(streamSID)

	o.mu.Lock()
	var turns chan turnItem
	if cs := o.calls[streamSID]; cs != nil {
		turns = cs.turns
	}
	o.mu.Unlock()
	if turns == nil {
		return
	}

	select {
	case turns <- turnItem{transcript: text, conf: conf}:
	default:
		o.log.Warn("turn queue full, dropping utterance", "stream_sid", streamSID)
	}
}

// drainTurns processes queued finals one at a time, in arrival order, until
// the call is torn down.
func (o *Orchestrator) drainTurns(ctx context.Context, sess *session.Session, turns <-chan turnItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-turns:
			o.runTurn(sess, item.transcript, item.conf)
		}
	}
}

func (o *Orchestrator) runTurn(sess *session.Session, transcript string, conf float64) {
	sess.TurnLock().Lock()
	defer sess.TurnLock().Unlock()

	ctx := context.Background()
	start := time.Now()
	streamSID := sess.StreamSID()

	lang := language.DetectInputLanguage(transcript)
	o.registry.SetLanguageFor(streamSID, string(lang))

	o.hub.Publish(telemetry.EventTranscriptFinal, map[string]any{
		"stream_sid": streamSID,
		"text":       transcript,
		"confidence": conf,
		"language":   string(lang),
	})

	var (
		reply    string
		done     bool
		streamed bool
		prompt   string
	)
	switch {
	case sess.Caller().Role == session.RoleTeammate:
		reply, done = o.teammate.HandleTurn(ctx, sess, transcript)

	case sess.Delay() != nil:
		reply, done = o.customer.HandleTurn(ctx, sess, transcript)

	default:
		res, err := o.graph.Invoke(ctx, sess.ThreadID(), transcript)
		if err != nil {
			o.log.Error("dialog turn failed", "stream_sid", streamSID, "error", err)
			o.hub.Publish(telemetry.EventGraphError, map[string]any{
				"stream_sid": streamSID,
				"error":      err.Error(),
			})
			return
		}
		done = res.Step == dialog.StepEnd
		if res.Canned {
			reply = res.Reply
		} else {
			streamed = true
			prompt = res.Reply
		}
		o.hub.Publish(telemetry.EventGraphResult, map[string]any{
			"stream_sid": streamSID,
			"step":       string(res.Step),
			"canned":     res.Canned,
		})
	}

	if streamed {
		reply = o.speakStreamed(ctx, sess, prompt, transcript)
	} else if reply != "" {
		o.speak(ctx, sess, reply)
	}

	if done {
		sess.MarkEnding()
		o.log.Info("dialog finished, awaiting hangup", "stream_sid", streamSID)
	}
	o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
}

// speak sends a complete reply through TTS, translating it first when the
// caller's language asks for it.
func (o *Orchestrator) speak(ctx context.Context, sess *session.Session, text string) {
	streamSID := sess.StreamSID()
	text = o.translator.TranslateIfNeeded(ctx, text, o.ttsLang, language.Lang(sess.Language()))

	w := o.writer(streamSID)
	if w == nil {
		return
	}
	o.synth.SetSink(streamSID, w)
	sess.SetSpeaking(true)
	sess.SetInterrupted(text)

	if err := o.synth.SendText(text); err != nil {
		o.log.Warn("tts send failed", "stream_sid", streamSID, "error", err)
		o.metrics.RecordProviderError(ctx, "elevenlabs", "send")
		return
	}
	if err := o.synth.Flush(); err != nil {
		o.log.Warn("tts flush failed", "stream_sid", streamSID, "error", err)
	}
}

// speakStreamed runs an LLM turn, piping tokens straight into synthesis. When
// the reply must be translated first, the stream is assembled and handed to
// the buffered path instead; translation needs the whole sentence. The
// assembled reply text is returned for bookkeeping.
func (o *Orchestrator) speakStreamed(ctx context.Context, sess *session.Session, systemPrompt, transcript string) string {
	streamSID := sess.StreamSID()
	buffered := o.ttsLang == language.Hindi && language.Lang(sess.Language()) == language.Hindi

	ch, err := o.provider.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: transcript}},
		Temperature:  0.7,
	})
	if err != nil {
		o.log.Error("llm stream failed", "stream_sid", streamSID, "error", err)
		o.metrics.RecordProviderError(ctx, "openai", "stream")
		o.speak(ctx, sess, "I'm sorry, I ran into a problem. Could you say that again?")
		return ""
	}

	w := o.writer(streamSID)
	if w == nil {
		for range ch {
		}
		return ""
	}
	if !buffered {
		o.synth.SetSink(streamSID, w)
		sess.SetSpeaking(true)
	}

	var (
		b       strings.Builder
		started = time.Now()
		first   = true
	)
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			o.log.Warn("llm stream aborted", "stream_sid", streamSID)
			o.metrics.RecordProviderError(ctx, "openai", "stream")
			break
		}
		if chunk.Text == "" {
			continue
		}
		if first {
			first = false
			elapsed := time.Since(started)
			o.metrics.LLMFirstToken.Record(ctx, elapsed.Seconds())
			o.hub.Publish(telemetry.EventLLMFirstTokenMS, map[string]any{
				"stream_sid": streamSID,
				"ms":         elapsed.Milliseconds(),
			})
		}
		b.WriteString(chunk.Text)
		if buffered {
			continue
		}
		if err := o.synth.SendText(chunk.Text); err != nil {
			o.log.Warn("tts send failed mid-stream", "stream_sid", streamSID, "error", err)
			break
		}
	}

	reply := b.String()
	if buffered {
		if reply != "" {
			o.speak(ctx, sess, reply)
		}
		return reply
	}

	if err := o.synth.Flush(); err != nil {
		o.log.Warn("tts flush failed", "stream_sid", streamSID, "error", err)
	}
	sess.SetInterrupted(reply)
	return reply
}

// ObserveSpeechDone is wired to tts.Client.OnGenerationDone. Once a reply has
// fully played out, later interims are ordinary listening, not barge-ins.
func (o *Orchestrator) ObserveSpeechDone(streamSID string) {
	sess := o.registry.Get(streamSID)
	if sess == nil {
		return
	}
	sess.SetSpeaking(false)
}

// ObserveTTSFirstAudio is wired to tts.Client.OnFirstAudio.
func (o *Orchestrator) ObserveTTSFirstAudio(streamSID string, elapsed time.Duration) {
	o.metrics.TTSFirstByte.Record(context.Background(), elapsed.Seconds())
	o.hub.Publish(telemetry.EventTTSFirstByteMS, map[string]any{
		"stream_sid": streamSID,
		"ms":         elapsed.Milliseconds(),
	})
}

func (o *Orchestrator) writer(streamSID string) telephony.MediaWriter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cs := o.calls[streamSID]; cs != nil {
		return cs.writer
	}
	return nil
}

func (o *Orchestrator) dropCall(streamSID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.calls, streamSID)
}
