package mirage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultIdleTTL is how long a session survives without any operation
	// before it terminates and removes its work directory.
	DefaultIdleTTL = 30 * time.Minute
	// DefaultMaxSteps bounds the tool-calling loop within one turn.
	DefaultMaxSteps = 10

	// subscriberBuffer is the per-subscriber event queue size. A subscriber
	// that falls this far behind is dropped rather than stalling the session.
	subscriberBuffer = 256
)

// DefaultSystemPrompt is sent as the system message on every completion.
const DefaultSystemPrompt = "You are a helpful assistant with access to a sandboxed shell. " +
	"Use the execute_command tool to inspect files and run read-only commands in your working directory. " +
	"Only whitelisted commands are available. Keep answers concise."

// Subscriber is one consumer of a session's event stream. Delivery is
// best-effort: the session never blocks on a subscriber.
type Subscriber struct {
	ID string
	// Ch receives broadcast events. The session closes it when the
	// subscriber is dropped or the session terminates.
	Ch chan Event

	done <-chan struct{}
}

// NewSubscriber creates a subscriber whose liveness is tied to done
// (typically an HTTP request's Context.Done). A nil done means the
// subscriber lives until explicitly unsubscribed.
func NewSubscriber(done <-chan struct{}) *Subscriber {
	return &Subscriber{
		ID:   uuid.NewString(),
		Ch:   make(chan Event, subscriberBuffer),
		done: done,
	}
}

// Session is the per-chat actor. A single goroutine (run) owns all mutable
// state; every operation is a closure delivered through the inbox, so
// messages, subscribers, the replay buffer, and the streaming flag are
// race-free without locking. The agent loop runs in a detached goroutine and
// feeds events back through the same inbox.
type Session struct {
	ID string

	store        Store
	provider     Provider
	tools        *ToolRegistry
	systemPrompt string
	workDir      string
	idleTTL      time.Duration
	maxSteps     int
	logger       *slog.Logger
	tracer       Tracer
	metrics      Metrics
	onTerminate  func(*Session)

	inbox    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Actor-owned state. Touched only by run().
	title     string
	createdAt int64
	messages  []Message
	subs      map[string]*Subscriber
	buffer    []Event
	streaming bool
	pending   []string
}

func newSession(chat Chat, workDir string, cfg RegistryConfig, onTerminate func(*Session)) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	var tools *ToolRegistry
	if cfg.NewTools != nil {
		tools = cfg.NewTools(workDir)
	} else {
		tools = NewToolRegistry()
	}
	return &Session{
		ID:           chat.ID,
		store:        cfg.Store,
		provider:     cfg.Provider,
		tools:        tools,
		systemPrompt: prompt,
		workDir:      workDir,
		idleTTL:      idleTTL,
		maxSteps:     DefaultMaxSteps,
		logger:       logger.With("chat", chat.ID),
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
		onTerminate:  onTerminate,
		inbox:        make(chan func()),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		title:        chat.Title,
		createdAt:    chat.CreatedAt,
		messages:     slices.Clone(chat.Messages),
		subs:         make(map[string]*Subscriber),
	}
}

// WorkDir returns the session's exclusive working directory. It exists for
// the session's entire lifetime and is removed on termination.
func (s *Session) WorkDir() string { return s.workDir }

// Done is closed after the session has terminated and cleaned up.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop requests termination. Safe to call multiple times and after the
// session has already exited.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// post delivers an operation to the actor. Returns false if the session has
// terminated.
func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// SendMessage appends a user message and starts a turn. Asynchronous: it
// returns once the operation is queued. If a turn is already streaming, the
// message waits its turn; arrival order is preserved. A non-nil sub is
// attached before the turn starts, so it observes the whole turn. Returns
// false if the session has terminated and the message was not accepted.
func (s *Session) SendMessage(content string, sub *Subscriber) bool {
	return s.post(func() {
		if sub != nil {
			s.attach(sub)
		}
		if s.streaming {
			s.pending = append(s.pending, content)
			return
		}
		s.startTurn(content)
	})
}

// Subscribe attaches sub and, when a turn is in progress, replays the turn's
// buffered events to it in original order before any new event. Returns
// false if the session has terminated.
func (s *Session) Subscribe(sub *Subscriber) bool {
	ack := make(chan struct{})
	ok := s.post(func() {
		s.attach(sub)
		if s.streaming {
			for _, ev := range s.buffer {
				if !s.deliver(sub, ev) {
					break
				}
			}
		}
		close(ack)
	})
	if !ok {
		return false
	}
	select {
	case <-ack:
		return true
	case <-s.done:
		return false
	}
}

// Unsubscribe detaches the subscriber and closes its channel.
func (s *Session) Unsubscribe(id string) {
	s.post(func() { s.detach(id) })
}

// AddFileContext appends a synthesized user message pointing the model at an
// uploaded file and persists it. It does not start a turn.
func (s *Session) AddFileContext(filename string) error {
	errc := make(chan error, 1)
	ok := s.post(func() {
		msg := fmt.Sprintf("[File uploaded to working directory: %s] - You can use commands like `cat`, `head`, or `ls` to inspect it.", filename)
		s.messages = append(s.messages, UserMessage(msg))
		errc <- s.store.SaveMessages(context.Background(), s.ID, s.messages)
	})
	if !ok {
		return fmt.Errorf("session %s terminated", s.ID)
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return fmt.Errorf("session %s terminated", s.ID)
	}
}

// State returns a snapshot of the cached chat record. The second return is
// false if the session has terminated.
func (s *Session) State() (Chat, bool) {
	reply := make(chan Chat, 1)
	ok := s.post(func() {
		reply <- Chat{
			ID:        s.ID,
			Title:     s.title,
			Messages:  slices.Clone(s.messages),
			CreatedAt: s.createdAt,
		}
	})
	if !ok {
		return Chat{}, false
	}
	select {
	case c := <-reply:
		return c, true
	case <-s.done:
		return Chat{}, false
	}
}

// run is the actor loop. Every operation resets the idle timer; when it
// elapses with no turn in progress the session terminates normally.
func (s *Session) run() {
	idle := time.NewTimer(s.idleTTL)
	defer idle.Stop()

	for {
		select {
		case fn := <-s.inbox:
			fn()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTTL)
		case <-idle.C:
			if s.streaming || len(s.pending) > 0 {
				idle.Reset(s.idleTTL)
				continue
			}
			s.logger.Info("session idle, terminating")
			s.shutdown()
			return
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

func (s *Session) shutdown() {
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.Ch)
	}
	if err := os.RemoveAll(s.workDir); err != nil {
		s.logger.Warn("remove work dir failed", "dir", s.workDir, "error", err)
	}
	if s.onTerminate != nil {
		s.onTerminate(s)
	}
	close(s.done)
}

// --- actor-context helpers (run goroutine only) ---

func (s *Session) attach(sub *Subscriber) {
	if _, ok := s.subs[sub.ID]; ok {
		return
	}
	s.subs[sub.ID] = sub
	if sub.done != nil {
		go func() {
			select {
			case <-sub.done:
				s.Unsubscribe(sub.ID)
			case <-s.done:
			}
		}()
	}
}

func (s *Session) detach(id string) {
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.Ch)
	}
}

// deliver sends ev to one subscriber without blocking. A full queue drops
// the subscriber; the session never stalls on a slow consumer.
func (s *Session) deliver(sub *Subscriber, ev Event) bool {
	select {
	case sub.Ch <- ev:
		return true
	default:
		s.logger.Debug("dropping slow subscriber", "subscriber", sub.ID)
		s.detach(sub.ID)
		return false
	}
}

// broadcast appends ev to the replay buffer, then fans it out. Buffer-first
// ordering guarantees late subscribers replay exactly what earlier
// subscribers saw.
func (s *Session) broadcast(ev Event) {
	s.buffer = append(s.buffer, ev)
	for _, sub := range s.subs {
		s.deliver(sub, ev)
	}
}

// startTurn begins a new user turn: title bootstrap, append + persist the
// user message, reset the replay buffer, and hand off to the agent loop.
func (s *Session) startTurn(content string) {
	ctx := context.Background()

	if s.title == DefaultTitle && len(s.messages) == 0 && content != "" {
		title := truncateRunes(content, 50)
		if err := s.store.UpdateTitle(ctx, s.ID, title); err != nil {
			s.logger.Warn("title update failed", "error", err)
		} else {
			s.title = title
		}
	}

	s.messages = append(s.messages, UserMessage(content))
	if err := s.store.SaveMessages(ctx, s.ID, s.messages); err != nil {
		s.logger.Error("persist user message failed", "error", err)
	}

	s.streaming = true
	s.buffer = s.buffer[:0]
	s.broadcast(Event{Type: EventUserMessage, Content: content})

	go s.runTurn(slices.Clone(s.messages))
}

// nextPending starts the oldest queued send, if any. Called when a turn ends.
func (s *Session) nextPending() {
	if len(s.pending) == 0 {
		return
	}
	content := s.pending[0]
	s.pending = s.pending[1:]
	s.startTurn(content)
}

// --- agent loop (detached goroutine; mutates state only via inbox ops) ---

// runTurn drives the bounded tool-calling loop for one user turn. messages is
// a private snapshot; the canonical copy is swapped in via commit operations
// so persistence and subscriber-visible state always agree.
func (s *Session) runTurn(messages []Message) {
	ctx := context.Background()
	if s.tracer != nil {
		var span Span
		ctx, span = s.tracer.Start(ctx, "session.turn", StringAttr("chat", s.ID))
		defer span.End()
	}
	if s.metrics != nil {
		start := time.Now()
		defer func() { s.metrics.TurnCompleted(s.ID, time.Since(start)) }()
	}

	tools := s.tools.AllDefinitions()

	for step := 0; step < s.maxSteps; step++ {
		resp, err := s.streamOnce(ctx, messages, tools, step)
		if err != nil {
			if s.metrics != nil {
				s.metrics.LLMFailed(s.provider.Name())
			}
			s.endTurn(Event{Type: EventError, Message: err.Error()})
			return
		}

		calls := completedCalls(resp.ToolCalls)
		if len(calls) == 0 {
			s.finishTurn(resp.Content, append(messages, AssistantMessage(resp.Content)))
			return
		}

		// Tool calls are broadcast only after full assembly, never while
		// argument deltas are still streaming.
		for _, tc := range calls {
			s.postEvent(Event{
				Type:       EventToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Input:      toolCallInput(tc.Arguments),
			})
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content, ToolCalls: calls})
		for _, tc := range calls {
			out := s.executeTool(ctx, tc)
			s.postEvent(Event{Type: EventToolResult, ToolCallID: tc.ID, Output: out})
			messages = append(messages, ToolResultMessage(tc.ID, string(out)))
		}

		if !s.commit(messages) {
			return
		}
	}

	s.endTurn(Event{Type: EventError, Message: "Max steps reached"})
}

// streamOnce performs a single streaming completion, rebroadcasting text
// deltas as they arrive and returning the accumulated response.
func (s *Session) streamOnce(ctx context.Context, messages []Message, tools []ToolDefinition, step int) (ChatResponse, error) {
	llmCtx := ctx
	if s.tracer != nil {
		var span Span
		llmCtx, span = s.tracer.Start(ctx, "llm.stream", IntAttr("step", step))
		defer span.End()
	}

	ch := make(chan StreamEvent, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range ch {
			// Tool-call start/delta events only accumulate inside the
			// provider; text is rebroadcast live.
			if ev.Kind == StreamText && ev.Content != "" {
				s.postEvent(Event{Type: EventTextDelta, Text: ev.Content})
			}
		}
	}()

	req := ChatRequest{
		Messages: append([]Message{SystemMessage(s.systemPrompt)}, messages...),
		Tools:    tools,
	}
	resp, err := s.provider.ChatStream(llmCtx, req, ch)
	<-drained
	return resp, err
}

func (s *Session) executeTool(ctx context.Context, tc ToolCall) json.RawMessage {
	toolCtx := ctx
	if s.tracer != nil {
		var span Span
		toolCtx, span = s.tracer.Start(ctx, "tool.execute", StringAttr("tool", tc.Name))
		defer span.End()
	}
	if s.metrics != nil {
		s.metrics.ToolExecuted(tc.Name)
	}
	return s.tools.Execute(toolCtx, tc.Name, tc.Arguments)
}

// postEvent broadcasts from the turn goroutine through the actor inbox.
func (s *Session) postEvent(ev Event) {
	s.post(func() { s.broadcast(ev) })
}

// commit swaps the canonical message log and persists it before the turn
// proceeds to the next step. Returns false if the turn cannot continue.
func (s *Session) commit(messages []Message) bool {
	errc := make(chan error, 1)
	ok := s.post(func() {
		s.messages = messages
		errc <- s.store.SaveMessages(context.Background(), s.ID, messages)
	})
	if !ok {
		return false
	}
	select {
	case err := <-errc:
		if err != nil {
			s.logger.Error("persist failed mid-turn", "error", err)
			s.endTurn(Event{Type: EventError, Message: "store error: " + err.Error()})
			return false
		}
		return true
	case <-s.done:
		return false
	}
}

// finishTurn ends a successful turn: persist the final log, broadcast done,
// and release any queued sends. Runs as one actor operation so subscribers
// never observe the done event with stale persistence pending.
func (s *Session) finishTurn(text string, messages []Message) {
	s.post(func() {
		s.messages = messages
		if err := s.store.SaveMessages(context.Background(), s.ID, messages); err != nil {
			s.logger.Error("persist final messages failed", "error", err)
		}
		s.broadcast(Event{Type: EventDone, Text: text})
		s.streaming = false
		s.nextPending()
	})
}

// endTurn ends a turn abnormally. The user message is kept; no assistant
// message is appended.
func (s *Session) endTurn(ev Event) {
	s.post(func() {
		s.broadcast(ev)
		s.streaming = false
		s.nextPending()
	})
}

// --- helpers ---

// completedCalls filters to tool calls the model announced with an id.
// Index slots that never received a start frame are discarded.
func completedCalls(calls []ToolCall) []ToolCall {
	var out []ToolCall
	for _, tc := range calls {
		if tc.ID != "" {
			out = append(out, tc)
		}
	}
	return out
}

// toolCallInput returns the decoded arguments for subscriber display, or
// wraps undecodable text as {"raw": "<text>"}.
func toolCallInput(args string) json.RawMessage {
	raw := json.RawMessage(args)
	if len(bytes.TrimSpace(raw)) > 0 && json.Valid(raw) {
		return raw
	}
	out, _ := json.Marshal(map[string]string{"raw": args})
	return out
}

// truncateRunes truncates a string to n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
