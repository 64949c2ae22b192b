// Package engine composes and issues the primary-model call for one
// exchange, and owns the atomic commit of its result into the session.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/schedule"
	"github.com/hearthd/hearth/internal/session"
)

// Reply is a successful exchange result with its debug breakdown.
type Reply struct {
	Text         string
	Usage        llm.TokenUsage
	PersonaLen   int
	HistoryCount int
	HistoryLen   int
	ContextLen   int
}

// Engine issues primary-model calls and commits results.
type Engine struct {
	primary     llm.Client
	model       string
	maxTokens   int
	registry    *session.Registry
	snapshotter session.Snapshotter
	queue       *schedule.Queue
	personaPath string
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. queue may be nil when no idle compaction is wired
// (e.g. in tests); snapshotter may be nil to disable persistence.
func New(primary llm.Client, model string, maxTokens int, registry *session.Registry,
	snapshotter session.Snapshotter, queue *schedule.Queue, personaPath string,
	logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		primary:     primary,
		model:       model,
		maxTokens:   maxTokens,
		registry:    registry,
		snapshotter: snapshotter,
		queue:       queue,
		personaPath: personaPath,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) persona() string {
	data, err := os.ReadFile(e.personaPath)
	if err != nil {
		e.logger.Warn("persona file unreadable", "path", e.personaPath, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Reply sends one exchange to the primary model and commits it. The caller
// holds sess's lock (via Registry.Acquire) for the whole call, which is what
// serializes a same-user double-send.
//
// The one-shot override is consumed here: it is prepended to any freshly
// retrieved context. On provider failure the override is restored and the
// history is left untouched, so a retry sees the exact pre-call state.
func (e *Engine) Reply(ctx context.Context, sess *session.Session, message string,
	imageURLs []string, retrieved string) (Reply, error) {

	override := sess.TakeOverride()
	merged := retrieved
	if override != "" {
		if merged != "" {
			merged = override + "\n\n" + merged
		} else {
			merged = override
		}
	}

	now := e.now()
	persona := e.persona()
	system := persona + "\n\n今天的日期：" + now.Format("2006-01-02")
	if sess.Truncated {
		system += "\n\n注意：对话历史较长，更早的内容已被截断，可能缺少部分上下文。"
	}
	if merged != "" {
		system += "\n\n以下是系统为你检索并精炼的相关资料：\n" + merged
	}

	historyLen := 0
	messages := make([]llm.Message, 0, len(sess.Turns)+1)
	for _, turn := range sess.Turns {
		historyLen += utf8.RuneCountInString(turn.Content)
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{
		Role:      llm.RoleUser,
		Content:   message,
		ImageURLs: imageURLs,
	})

	resp, err := e.primary.Chat(ctx, llm.ChatRequest{
		Model:     e.model,
		System:    system,
		Messages:  messages,
		MaxTokens: e.maxTokens,
	})
	if err != nil {
		sess.Override = override
		return Reply{}, fmt.Errorf("conversation: %w", err)
	}

	// Commit: history mutation is gated on success and happens atomically
	// under the session lock.
	flattened := session.FlattenUserContent(message, len(imageURLs))
	sess.AppendExchange(flattened, resp.Content, e.registry.MaxTurns(), now)
	sess.RecordUsage(resp.Usage)
	if e.queue != nil {
		e.queue.Arm(sess.UserID, now.Add(e.registry.IdleTimeout()))
	}

	return Reply{
		Text:         resp.Content,
		Usage:        resp.Usage,
		PersonaLen:   utf8.RuneCountInString(persona),
		HistoryCount: len(messages) - 1,
		HistoryLen:   historyLen,
		ContextLen:   utf8.RuneCountInString(merged),
	}, nil
}

// PersistSnapshot writes the current session table through the snapshotter.
// Must be called without any session lock held. Failures are logged and
// swallowed: in-memory state stays authoritative.
func (e *Engine) PersistSnapshot(ctx context.Context) {
	if e.snapshotter == nil {
		return
	}
	if err := e.snapshotter.Save(ctx, e.registry.Snapshot()); err != nil {
		e.logger.Warn("session snapshot failed", "error", err)
	}
}
