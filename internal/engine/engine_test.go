package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/session"
	"github.com/hearthd/hearth/internal/testutil"
)

var testLogger = testutil.DiscardLogger()

func writePersona(t *testing.T, content string) string {
	t.Helper()
	return testutil.WriteFile(t, t.TempDir(), "SOUL.md", content)
}

func newEngine(t *testing.T, mock *llm.MockClient, reg *session.Registry, persona string) *Engine {
	t.Helper()
	fixed := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return New(mock, "claude-sonnet-4-20250514", 4096, reg, nil, nil, persona,
		testLogger, WithClock(func() time.Time { return fixed }))
}

func TestReplyComposesSystemPrompt(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "好的"})
	reg := session.NewRegistry(20, 30*time.Minute, 5*time.Minute)
	e := newEngine(t, mock, reg, writePersona(t, "你是壁炉。"))

	sess, release := reg.Acquire("u1")
	defer release()
	_, err := e.Reply(context.Background(), sess, "你好", nil, "检索到的资料")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	sys := mock.Calls()[0].System
	for _, want := range []string{"你是壁炉。", "今天的日期：2026-03-14", "检索到的资料"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q:\n%s", want, sys)
		}
	}
	if strings.Contains(sys, "已被截断") {
		t.Errorf("truncation note should be absent for fresh session")
	}
}

func TestReplyTruncationNote(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "好"})
	reg := session.NewRegistry(20, 30*time.Minute, 5*time.Minute)
	e := newEngine(t, mock, reg, writePersona(t, "persona"))

	sess, release := reg.Acquire("u1")
	defer release()
	sess.Truncated = true
	if _, err := e.Reply(context.Background(), sess, "hi", nil, ""); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !strings.Contains(mock.Calls()[0].System, "已被截断") {
		t.Errorf("truncation note missing")
	}
}

func TestReplyOverridePrecedesRetrieved(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "好"})
	reg := session.NewRegistry(20, 30*time.Minute, 5*time.Minute)
	e := newEngine(t, mock, reg, writePersona(t, "persona"))

	sess, release := reg.Acquire("u1")
	defer release()
	sess.Override = "整篇文档内容"
	if _, err := e.Reply(context.Background(), sess, "hi", nil, "片段"); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	sys := mock.Calls()[0].System
	oi := strings.Index(sys, "整篇文档内容")
	ri := strings.Index(sys, "片段")
	if oi < 0 || ri < 0 || oi > ri {
		t.Errorf("override should precede retrieved context:\n%s", sys)
	}
	if sess.Override != "" {
		t.Errorf("override not consumed")
	}
}

func TestReplyCommitsHistoryAtomically(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{
		Content: "回答",
		Usage:   llm.TokenUsage{InputTokens: 100, OutputTokens: 50},
	})
	reg := session.NewRegistry(20, 30*time.Minute, 5*time.Minute)
	e := newEngine(t, mock, reg, writePersona(t, "persona"))

	sess, release := reg.Acquire("u1")
	defer release()
	reply, err := e.Reply(context.Background(), sess, "看看这个", []string{"http://x/a.png"}, "")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if len(sess.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(sess.Turns))
	}
	if sess.Turns[0].Content != "[用户发送了1张图片] 看看这个" {
		t.Errorf("flattened user turn = %q", sess.Turns[0].Content)
	}
	if sess.Turns[1].Content != "回答" {
		t.Errorf("assistant turn = %q", sess.Turns[1].Content)
	}
	if sess.Usage.InputTokens != 100 || sess.Usage.TurnCount != 1 {
		t.Errorf("usage = %+v", sess.Usage)
	}
	if reply.Text != "回答" || reply.Usage.Total() != 150 {
		t.Errorf("reply = %+v", reply)
	}
}

func TestReplyFailureLeavesStateUntouched(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Error: errors.New("overloaded")})
	reg := session.NewRegistry(20, 30*time.Minute, 5*time.Minute)
	e := newEngine(t, mock, reg, writePersona(t, "persona"))

	sess, release := reg.Acquire("u1")
	defer release()
	sess.AppendExchange("之前", "的话", 20, time.Now())
	sess.Override = "一次性上下文"
	before := len(sess.Turns)

	_, err := e.Reply(context.Background(), sess, "hi", nil, "")
	if err == nil {
		t.Fatal("want error")
	}
	if len(sess.Turns) != before {
		t.Errorf("history mutated on failure: %d turns", len(sess.Turns))
	}
	if sess.Override != "一次性上下文" {
		t.Errorf("override = %q, want restored for retry", sess.Override)
	}
}

func TestReplyDebugBreakdown(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "好"})
	reg := session.NewRegistry(20, 30*time.Minute, 5*time.Minute)
	e := newEngine(t, mock, reg, writePersona(t, "四字人设"))

	sess, release := reg.Acquire("u1")
	defer release()
	sess.AppendExchange("一二三", "四五六七", 20, time.Now())

	reply, err := e.Reply(context.Background(), sess, "hi", nil, "上下文五字")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.PersonaLen != 4 {
		t.Errorf("PersonaLen = %d, want 4", reply.PersonaLen)
	}
	if reply.HistoryCount != 2 {
		t.Errorf("HistoryCount = %d, want 2", reply.HistoryCount)
	}
	if reply.HistoryLen != 7 {
		t.Errorf("HistoryLen = %d, want 7", reply.HistoryLen)
	}
	if reply.ContextLen != 5 {
		t.Errorf("ContextLen = %d, want 5", reply.ContextLen)
	}
}

func TestReplyMissingPersonaDegrades(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "好"})
	reg := session.NewRegistry(20, 30*time.Minute, 5*time.Minute)
	e := newEngine(t, mock, reg, filepath.Join(t.TempDir(), "absent.md"))

	sess, release := reg.Acquire("u1")
	defer release()
	if _, err := e.Reply(context.Background(), sess, "hi", nil, ""); err != nil {
		t.Fatalf("Reply should not fail on missing persona: %v", err)
	}
}
