package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/chat-magnifier/telemetry"
)

// ErrNotConnected is reported when a poll runs without a chat source.
var ErrNotConnected = errors.New("chat: not connected")

const (
	// NoLiveTitle is shown when the channel has no live session.
	NoLiveTitle = "[NO LIVE STREAM IN PROGRESS]"

	errNoLiveStream    = "No live stream found on the channel"
	errMessageNotFound = "Message not found"
	errMissingID       = "Message ID is required"
	errInternal        = "Internal error while reading messages"

	defaultNotConnected   = "Not connected to YouTube"
	defaultTransportError = "Oops! We couldn’t reach the Google server. \nIt looks like your query limit might be used up. \nThe query quota may have been exceeded. Please check your account limits."
)

// Source is a live chat platform.
type Source interface {
	// SessionID returns the active session, NoSession when offline. An error
	// means the platform could not be asked.
	SessionID(ctx context.Context) (SessionID, error)
	LiveTitle(ctx context.Context) string
	ChannelName(ctx context.Context) string
	FetchNewMessages(ctx context.Context) FetchResult
}

// Classifier is the language-model capability set. Implementations return
// errors; the engine decides what a failure means.
type Classifier interface {
	IsQuestion(ctx context.Context, text string) (bool, error)
	IsAppropriate(ctx context.Context, text string) (bool, error)
	Rewrite(ctx context.Context, text string) (string, error)
	IsMaleAuthor(ctx context.Context, name string) (bool, error)
}

// ErrNoClassifier is returned by the placeholder classifier used when none is
// configured.
var ErrNoClassifier = errors.New("chat: no classifier configured")

type noClassifier struct{}

func (noClassifier) IsQuestion(context.Context, string) (bool, error)    { return false, ErrNoClassifier }
func (noClassifier) IsAppropriate(context.Context, string) (bool, error) { return false, ErrNoClassifier }
func (noClassifier) Rewrite(context.Context, string) (string, error)     { return "", ErrNoClassifier }
func (noClassifier) IsMaleAuthor(context.Context, string) (bool, error)  { return false, ErrNoClassifier }

// ResetHook runs whenever the message store is reset.
type ResetHook func(ctx context.Context)

// Options configures message acceptance and classification.
type Options struct {
	MinWords        int
	QuestionsOnly   bool
	ApplyModeration bool
	Rewrite         bool
	InferGender     bool
	IgnoreOwner     bool

	// NotConnectedError and TransportError override the user-facing texts.
	NotConnectedError string
	TransportError    string

	Now func() time.Time
}

// ClassifierNeeded reports whether any option requires a Classifier.
func (o Options) ClassifierNeeded() bool {
	return o.QuestionsOnly || o.ApplyModeration || o.Rewrite || o.InferGender
}

// ToggleResult is the answer to a visibility change.
type ToggleResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Engine runs reconciliation passes over a Source and owns the stores.
type Engine struct {
	opts       Options
	store      *MessageStore
	hidden     *HiddenStore
	tracker    *SessionTracker
	toggles    *ToggleCoordinator
	cache      *ResponseCache
	classifier Classifier

	mu     sync.RWMutex
	source Source
	hooks  []ResetHook
}

// NewEngine wires the stores together. classifier may be nil when no option
// needs it.
func NewEngine(store *MessageStore, hidden *HiddenStore, classifier Classifier, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NotConnectedError == "" {
		opts.NotConnectedError = defaultNotConnected
	}
	if opts.TransportError == "" {
		opts.TransportError = defaultTransportError
	}
	if classifier == nil {
		classifier = noClassifier{}
	}
	return &Engine{
		opts:       opts,
		store:      store,
		hidden:     hidden,
		tracker:    NewSessionTracker(),
		toggles:    NewToggleCoordinator(),
		cache:      &ResponseCache{},
		classifier: classifier,
	}
}

func (e *Engine) Store() *MessageStore { return e.store }
func (e *Engine) Hidden() *HiddenStore { return e.hidden }
func (e *Engine) Tracker() *SessionTracker { return e.tracker }
func (e *Engine) Cache() *ResponseCache { return e.cache }
func (e *Engine) Toggles() *ToggleCoordinator { return e.toggles }

// OnReset registers a hook run after every store reset.
func (e *Engine) OnReset(h ResetHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// SetSource attaches src; nil detaches.
func (e *Engine) SetSource(src Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = src
	telemetry.SetConnected(src != nil)
}

// Source returns the attached source or nil.
func (e *Engine) Source() Source {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source
}

// Connected reports whether a source is attached.
func (e *Engine) Connected() bool { return e.Source() != nil }

// ResetSession force-clears both stores and the session state. Connect and
// disconnect call it before the next poll.
func (e *Engine) ResetSession(ctx context.Context) {
	e.store.Clear(ctx)
	e.hidden.Clear(ctx, true)
	e.tracker.ForceReset()
	e.cache.Reset()
	e.runHooks(ctx)
	telemetry.IncSessionReset("manual")
	slog.Info("chat session reset", slog.String("component", "chat_engine"))
}

// Poll runs one reconciliation pass, or returns the payload of another pass
// when one is already running. It never panics and never returns nil.
func (e *Engine) Poll(ctx context.Context) *Payload {
	if !e.cache.TryBeginPass() {
		telemetry.IncCachedPoll()
		if last := e.cache.Last(); last != nil {
			return last
		}
		select {
		case <-e.cache.PassDone():
		case <-ctx.Done():
			return &Payload{Success: false, Error: ctx.Err().Error(), GeneratedAt: e.opts.Now()}
		}
		if last := e.cache.Last(); last != nil {
			return last
		}
		return &Payload{Success: false, Error: errInternal, GeneratedAt: e.opts.Now()}
	}
	return e.runPass(ctx)
}

func (e *Engine) runPass(ctx context.Context) (p *Payload) {
	defer e.cache.EndPass()
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "chat", "chat.reconcile")
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat_engine"))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("reconciliation pass panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			telemetry.RecordError(span, fmt.Errorf("panic: %v", r))
			p = &Payload{Success: false, Error: errInternal, GeneratedAt: e.opts.Now()}
		}
		e.cache.Store(p)
		telemetry.IncPass(p.Success)
		telemetry.ObservePassDuration(time.Since(start))
		span.SetAttributes(attribute.Bool("success", p.Success), attribute.Int("entries", len(p.Messages)))
		if p.Success {
			telemetry.SetSpanSuccess(span)
		}
	}()

	return e.pass(ctx, logger)
}

func (e *Engine) pass(ctx context.Context, logger *slog.Logger) *Payload {
	now := e.opts.Now()
	src := e.Source()
	if src == nil {
		return &Payload{Success: false, Error: e.opts.NotConnectedError, GeneratedAt: now}
	}

	id, err := src.SessionID(ctx)
	if err != nil {
		logger.Error("session lookup failed", slog.Any("err", err))
		telemetry.IncFetchFailure()
		return &Payload{Success: false, Error: e.opts.TransportError, GeneratedAt: now}
	}

	trace.SpanFromContext(ctx).SetAttributes(telemetry.SessionAttr(id.String()))
	obs := e.tracker.Observe(id)
	if obs.Changed {
		if obs.FirstReal {
			logger.Info("first change of live session id", slog.String("session", id.String()))
		} else {
			logger.Info("live session id changed", slog.String("session", id.String()))
		}
	}
	if obs.Reset {
		e.store.Clear(ctx)
		e.hidden.Clear(ctx, obs.ForceHiddenClear)
		e.runHooks(ctx)
		telemetry.IncSessionReset("session_change")
	}

	var title *PayloadEntry
	if obs.AnnounceTitle {
		t := TitleEntry(src.LiveTitle(ctx), obs.Reset)
		title = &t
	}

	res := src.FetchNewMessages(ctx)
	switch res.Status {
	case FetchTransportError:
		logger.Error("reading messages: communication error with the chat server", slog.Any("err", res.Err))
		telemetry.IncFetchFailure()
		return &Payload{Success: false, Error: e.opts.TransportError, GeneratedAt: now}
	case FetchNoSession:
		if e.store.Len() > 0 {
			e.store.Clear(ctx)
			e.runHooks(ctx)
			telemetry.IncSessionReset("no_session")
		}
		t := TitleEntry(src.LiveTitle(ctx), obs.Reset)
		if title != nil {
			t = *title
		}
		return &Payload{Success: true, Messages: []PayloadEntry{t}, Error: errNoLiveStream, GeneratedAt: now}
	}

	logger.Debug("new messages from chat server", slog.Int("count", len(res.Messages)))
	e.Reconcile(ctx, src, res.Messages)

	var entries []PayloadEntry
	if err := e.toggles.Publish(ctx, func() {
		visible := e.store.AllVisible()
		entries = make([]PayloadEntry, 0, len(visible)+1)
		if title != nil {
			entries = append(entries, *title)
		}
		for _, m := range visible {
			entries = append(entries, MessageEntry(m))
		}
	}); err != nil {
		logger.Warn("publishing before toggles drained", slog.Any("err", err))
	}
	return &Payload{Success: true, Messages: entries, GeneratedAt: now}
}

// Reconcile runs raw messages through the acceptance pipeline and updates the
// message store. It returns the messages appended by this call.
func (e *Engine) Reconcile(ctx context.Context, src Source, raw []RawMessage) []ChatMessage {
	var owner string
	if e.opts.IgnoreOwner && src != nil && len(raw) > 0 {
		owner = src.ChannelName(ctx)
	}
	var added []ChatMessage
	for _, r := range raw {
		msg, ok := e.accept(ctx, r, owner)
		if !ok {
			continue
		}
		if e.hidden.IsHidden(msg.ID) {
			msg.Show = false
		}
		if e.store.FindByID(msg.ID) {
			if !msg.Show {
				e.store.SetVisibility(ctx, msg.ID, false)
			}
			continue
		}
		if !msg.Show {
			telemetry.IncRejected("hidden")
			continue
		}
		if e.store.Append(ctx, msg) {
			telemetry.IncAccepted()
			slog.Debug("message added to the list", slog.String("msg", msg.String()))
			added = append(added, msg)
		}
	}
	return added
}

// accept applies the filters and enrichment steps to one raw message.
func (e *Engine) accept(ctx context.Context, r RawMessage, owner string) (ChatMessage, bool) {
	if len(strings.Fields(r.Text)) < e.opts.MinWords {
		telemetry.IncRejected("too_short")
		return ChatMessage{}, false
	}
	if e.opts.IgnoreOwner && owner != "" && r.Author == owner {
		telemetry.IncRejected("owner")
		return ChatMessage{}, false
	}
	slog.Debug("new message received", slog.String("author", r.Author), slog.String("text", r.Text))

	if e.opts.QuestionsOnly {
		q, err := e.classifier.IsQuestion(ctx, r.Text)
		if err != nil {
			slog.Warn("question check failed; treating as not a question", slog.Any("err", err))
			telemetry.IncClassifierFailure("question")
			q = false
		}
		if !q {
			telemetry.IncRejected("not_question")
			return ChatMessage{}, false
		}
	}

	if e.opts.ApplyModeration {
		ok, err := e.classifier.IsAppropriate(ctx, r.Text)
		if err != nil {
			slog.Warn("moderation failed; treating as appropriate", slog.Any("err", err))
			telemetry.IncClassifierFailure("moderation")
			ok = true
		}
		if !ok {
			telemetry.IncRejected("inappropriate")
			return ChatMessage{}, false
		}
	}

	text := r.Text
	if e.opts.Rewrite {
		out, err := RewriteProtected(ctx, r.Text, e.classifier.Rewrite)
		if err != nil {
			slog.Warn("rewrite failed; keeping original text", slog.Any("err", err))
			telemetry.IncClassifierFailure("rewrite")
		}
		text = out
	}

	isMale := true
	if e.opts.InferGender {
		m, err := e.classifier.IsMaleAuthor(ctx, r.Author)
		if err != nil {
			slog.Warn("author gender inference failed; defaulting to male", slog.Any("err", err))
			telemetry.IncClassifierFailure("gender")
			m = true
		}
		isMale = m
	}

	return NewChatMessage(r.Author, text, r.Text, isMale, e.opts.Now()), true
}

// Toggle changes the visibility of a stored message. Only hiding has an
// effect; show=true is accepted and ignored.
func (e *Engine) Toggle(ctx context.Context, id string, show bool) ToggleResult {
	if id == "" {
		return ToggleResult{Error: errMissingID}
	}
	ctx, span := telemetry.StartSpan(ctx, "chat", "chat.toggle", telemetry.MessageAttr(id))
	defer span.End()
	var res ToggleResult
	e.toggles.Do(func() {
		if show {
			res = ToggleResult{Success: true}
			return
		}
		e.hidden.Hide(ctx, id)
		if !e.store.SetVisibility(ctx, id, false) {
			res = ToggleResult{Error: errMessageNotFound}
			return
		}
		slog.Info("message visibility changed", slog.String("id", id), slog.Bool("show", show))
		res = ToggleResult{Success: true}
	})
	telemetry.IncToggle(res.Success)
	return res
}

func (e *Engine) runHooks(ctx context.Context) {
	e.mu.RLock()
	hooks := append([]ResetHook(nil), e.hooks...)
	e.mu.RUnlock()
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("reset hook panicked", slog.Any("panic", r), slog.String("component", "chat_engine"))
				}
			}()
			h(ctx)
		}()
	}
}
