// Package summarizer compresses conversation history into corpus entries.
// It serves two callers: the idle delay queue, which fires when a session
// has gone quiet, and the confirmed manual compress command.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hearthd/hearth/internal/corpus"
	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/payload"
	"github.com/hearthd/hearth/internal/session"
)

// ErrTooShort reports a history below the compression threshold.
var ErrTooShort = errors.New("history too short to compress")

// rawSummaryLimit bounds the fallback when the model ignores the JSON
// contract and replies in prose.
const rawSummaryLimit = 200

const defaultPolicy = `压缩下面的对话。输出 JSON：{"summary": "对话摘要", "facts": ["值得长期记住的事实"]}。
summary 用第一人称（助手视角）概括对话内容和氛围。
facts 只收录关于用户的、未来对话中仍然有用的具体信息（姓名、偏好、计划、重要事件）；没有就给空数组。
只输出 JSON，不要解释。`

// Outcome is one successful compression.
type Outcome struct {
	Summary  string
	Facts    []string
	EntryID  string
	AuxUsage llm.TokenUsage
}

// Summarizer runs the compression call and archives the result.
type Summarizer struct {
	aux        llm.Client
	model      string
	registry   *session.Registry
	library    *corpus.Corpus
	policyPath string
	minTurns   int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(s *Summarizer) { s.now = now }
}

// New creates a summarizer. policyPath names the compressor policy prompt
// file; when unreadable a built-in policy is used.
func New(aux llm.Client, model string, registry *session.Registry, library *corpus.Corpus,
	policyPath string, minTurns int, logger *slog.Logger, opts ...Option) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Summarizer{
		aux:        aux,
		model:      model,
		registry:   registry,
		library:    library,
		policyPath: policyPath,
		minTurns:   minTurns,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnIdle is the delay-queue callback for an idle session. Short histories
// are dropped outright; anything else is compressed, archived, and the
// session replaced with a single summary turn. If the user resumed while
// the compression call was in flight, the stale result is discarded.
func (s *Summarizer) OnIdle(userID string) {
	var turns []session.Turn
	var lastActive time.Time
	ok := s.registry.Peek(userID, func(sess *session.Session) {
		turns = make([]session.Turn, len(sess.Turns))
		copy(turns, sess.Turns)
		lastActive = sess.LastActive
	})
	if !ok {
		return
	}
	// A message may have been handled between the timer popping and this
	// callback running; that message rearmed the timer, so a session that
	// is not actually idle yet is simply left alone.
	if s.now().Sub(lastActive) < s.registry.IdleTimeout() {
		s.logger.Debug("idle fire on active session ignored", "user", userID)
		return
	}
	if len(turns) < s.minTurns {
		s.registry.Drop(userID)
		s.logger.Info("idle session dropped", "user", userID, "turns", len(turns))
		return
	}

	ctx := context.Background()
	out, err := s.compress(ctx, turns)
	if err != nil {
		s.logger.Warn("idle compression failed", "user", userID, "error", err)
		return
	}
	if err := s.archive(userID, &out); err != nil {
		s.logger.Warn("idle compression archive failed", "user", userID, "error", err)
		return
	}

	now := s.now()
	s.registry.Peek(userID, func(sess *session.Session) {
		if !sess.LastActive.Equal(lastActive) {
			return
		}
		sess.ReplaceWithSummary(out.Summary, now)
	})
	s.logger.Info("idle session compressed", "user", userID, "entry", out.EntryID, "facts", len(out.Facts))
}

// CompressSession compresses a locked session in place for the manual
// command path. The caller holds the session lock via Registry.Acquire.
func (s *Summarizer) CompressSession(ctx context.Context, sess *session.Session) (Outcome, error) {
	if len(sess.Turns) < s.minTurns {
		return Outcome{}, ErrTooShort
	}
	out, err := s.compress(ctx, sess.Turns)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.archive(sess.UserID, &out); err != nil {
		return Outcome{}, err
	}
	sess.ReplaceWithSummary(out.Summary, s.now())
	return out, nil
}

func (s *Summarizer) policy() string {
	data, err := os.ReadFile(s.policyPath)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return defaultPolicy
	}
	return strings.TrimSpace(string(data))
}

type compressionPayload struct {
	Summary string   `json:"summary"`
	Facts   []string `json:"facts"`
}

func (s *Summarizer) compress(ctx context.Context, turns []session.Turn) (Outcome, error) {
	var transcript strings.Builder
	for _, turn := range turns {
		label := "用户"
		if turn.Role == llm.RoleAssistant {
			label = "助手"
		}
		fmt.Fprintf(&transcript, "%s：%s\n", label, turn.Content)
	}

	resp, err := s.aux.Chat(ctx, llm.ChatRequest{
		Model:     s.model,
		System:    s.policy(),
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: transcript.String()}},
		MaxTokens: 1024,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("compression: %w", err)
	}

	var p compressionPayload
	if payload.DecodeObject(resp.Content, &p) && strings.TrimSpace(p.Summary) != "" {
		return Outcome{
			Summary:  strings.TrimSpace(p.Summary),
			Facts:    p.Facts,
			AuxUsage: resp.Usage,
		}, nil
	}

	// The model replied in prose; keep it as a plain summary rather than
	// losing the conversation.
	raw := strings.TrimSpace(resp.Content)
	if raw == "" {
		return Outcome{}, fmt.Errorf("compression: empty reply")
	}
	return Outcome{Summary: truncateRunes(raw, rawSummaryLimit), AuxUsage: resp.Usage}, nil
}

// archive writes the compression result as a new immutable corpus entry and
// fills in its id.
func (s *Summarizer) archive(userID string, out *Outcome) error {
	now := s.now()
	id := fmt.Sprintf("sessions/%s-%s.md", now.Format("20060102-150405"), userID)

	var body strings.Builder
	body.WriteString(out.Summary)
	if len(out.Facts) > 0 {
		body.WriteString("\n\n## 提取的事实\n")
		for i, fact := range out.Facts {
			fmt.Fprintf(&body, "%d. %s\n", i+1, fact)
		}
	}

	entry := corpus.Entry{
		ID:      id,
		Tags:    []string{"对话记录", "自动压缩"},
		Summary: truncateRunes(out.Summary, 50),
		Body:    strings.TrimSpace(body.String()),
	}
	if err := s.library.Append(entry); err != nil {
		return err
	}
	out.EntryID = id
	return nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
