// Package session holds per-user conversational state: the rolling turn
// history, idle bookkeeping, cumulative token counters, the pending
// destructive action, and the one-shot context override.
package session

import (
	"fmt"
	"time"

	"github.com/hearthd/hearth/internal/llm"
)

// Turn is one message unit in a session's history. Content is plain text:
// image turns are flattened to a descriptive placeholder before storage.
type Turn struct {
	Role    llm.Role `json:"role"`
	Content string   `json:"content"`
}

// FlattenUserContent renders a possibly-image-bearing user message into the
// text form kept in history.
func FlattenUserContent(text string, imageCount int) string {
	if imageCount == 0 {
		return text
	}
	if text == "" {
		return fmt.Sprintf("[用户发送了%d张图片]", imageCount)
	}
	return fmt.Sprintf("[用户发送了%d张图片] %s", imageCount, text)
}

// PendingKind is the kind of a confirmation-gated destructive action.
type PendingKind string

const (
	PendingReset    PendingKind = "reset"
	PendingCompress PendingKind = "compress"
)

// PendingAction is a destructive command awaiting an explicit confirm.
// One older than the confirmation window is treated as absent.
type PendingAction struct {
	Kind PendingKind `json:"kind"`
	At   time.Time   `json:"at"`
}

// Usage holds a session's cumulative counters. They only grow within a
// session epoch; reset/expiry starts a new epoch at zero.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TurnCount    int `json:"turn_count"`
}

// Session is the mutable state for one user. All access goes through the
// Registry, which serializes same-user callers.
type Session struct {
	UserID     string         `json:"user_id"`
	Turns      []Turn         `json:"turns"`
	LastActive time.Time      `json:"last_active"`
	Truncated  bool           `json:"truncated"`
	Usage      Usage          `json:"usage"`
	Pending    *PendingAction `json:"-"`
	Override   string         `json:"-"`
}

// AppendExchange commits one user/assistant turn pair, enforcing the history
// cap. Once the cap evicts anything, Truncated stays true for the rest of
// the epoch.
func (s *Session) AppendExchange(userText, assistantText string, maxTurns int, now time.Time) {
	s.Turns = append(s.Turns,
		Turn{Role: llm.RoleUser, Content: userText},
		Turn{Role: llm.RoleAssistant, Content: assistantText},
	)
	if len(s.Turns) > maxTurns {
		s.Turns = s.Turns[len(s.Turns)-maxTurns:]
		s.Truncated = true
	}
	s.LastActive = now
}

// RecordUsage accumulates one primary-model call's token counts.
func (s *Session) RecordUsage(usage llm.TokenUsage) {
	s.Usage.InputTokens += usage.InputTokens
	s.Usage.OutputTokens += usage.OutputTokens
	s.Usage.TurnCount++
}

// TakeOverride consumes the one-shot override, if any.
func (s *Session) TakeOverride() string {
	o := s.Override
	s.Override = ""
	return o
}

// SetPending replaces any outstanding pending action.
func (s *Session) SetPending(kind PendingKind, now time.Time) {
	s.Pending = &PendingAction{Kind: kind, At: now}
}

// TakePending consumes the pending action if it is still within the
// validity window; an expired one is dropped and reported as absent.
func (s *Session) TakePending(window time.Duration, now time.Time) (PendingKind, bool) {
	p := s.Pending
	s.Pending = nil
	if p == nil || now.Sub(p.At) > window {
		return "", false
	}
	return p.Kind, true
}

// ClearPending abandons any outstanding pending action. Invoked whenever a
// new control command other than confirm arrives.
func (s *Session) ClearPending() {
	s.Pending = nil
}

// Reset clears the session to a fresh epoch, keeping only the user id.
func (s *Session) Reset() {
	*s = Session{UserID: s.UserID}
}

// ReplaceWithSummary swaps the whole history for a single synthetic
// assistant turn carrying the compression summary, preserving conversational
// continuity. Counters and the truncated flag carry over: compression is not
// an epoch boundary.
func (s *Session) ReplaceWithSummary(summary string, now time.Time) {
	s.Turns = []Turn{{
		Role:    llm.RoleAssistant,
		Content: "以下是我们之前的对话摘要：\n" + summary,
	}}
	s.LastActive = now
}
