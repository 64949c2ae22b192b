package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/llm"
)

const (
	testMaxTurns      = 6
	testIdleTimeout   = 30 * time.Minute
	testConfirmWindow = 5 * time.Minute
)

func newTestRegistry(now *time.Time) *Registry {
	return NewRegistry(testMaxTurns, testIdleTimeout, testConfirmWindow,
		WithClock(func() time.Time { return *now }))
}

func TestAppendExchangeCapAndStickyTruncated(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)

	sess, release := r.Acquire("u1")
	for i := 0; i < 5; i++ {
		sess.AppendExchange("问", "答", r.MaxTurns(), now)
	}
	if len(sess.Turns) != testMaxTurns {
		t.Errorf("len(Turns) = %d, want %d", len(sess.Turns), testMaxTurns)
	}
	if !sess.Truncated {
		t.Error("Truncated should be true once the cap evicts turns")
	}

	// Truncated is sticky even if history later fits.
	sess.Turns = sess.Turns[:2]
	sess.AppendExchange("再问", "再答", r.MaxTurns(), now)
	if !sess.Truncated {
		t.Error("Truncated must stay true for the rest of the epoch")
	}
	release()
}

func TestIdleExpiryClearsOnAccess(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)

	sess, release := r.Acquire("u1")
	sess.AppendExchange("我叫张三", "你好张三", r.MaxTurns(), now)
	sess.Truncated = true
	sess.Usage.TurnCount = 1
	release()

	now = now.Add(testIdleTimeout + time.Minute)

	sess, release = r.Acquire("u1")
	defer release()
	if len(sess.Turns) != 0 {
		t.Errorf("expired session should present empty history, got %d turns", len(sess.Turns))
	}
	if sess.Truncated {
		t.Error("expiry starts a new epoch; truncated flag must clear")
	}
	if sess.Usage.TurnCount != 0 {
		t.Error("expiry starts a new epoch; counters must reset")
	}
}

func TestUserIsolation(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)

	sess, release := r.Acquire("userA")
	sess.AppendExchange("我叫张三", "你好", r.MaxTurns(), now)
	release()

	sess, release = r.Acquire("userB")
	defer release()
	for _, turn := range sess.Turns {
		if strings.Contains(turn.Content, "张三") {
			t.Fatal("user B must not see user A's turns")
		}
	}
}

func TestPendingActionWindow(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)

	sess, release := r.Acquire("u1")
	sess.SetPending(PendingReset, now)
	release()

	// Within the window: consumed.
	sess, release = r.Acquire("u1")
	kind, ok := sess.TakePending(r.ConfirmWindow(), now.Add(time.Minute))
	if !ok || kind != PendingReset {
		t.Errorf("TakePending = %q, %v; want reset, true", kind, ok)
	}
	sess.SetPending(PendingCompress, now)
	release()

	// Expired pending actions are dropped on the next acquire.
	now = now.Add(testConfirmWindow + time.Minute)
	sess, release = r.Acquire("u1")
	defer release()
	if _, ok := sess.TakePending(r.ConfirmWindow(), now); ok {
		t.Error("expired pending action must be treated as absent")
	}
}

func TestTakeOverrideOneShot(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)

	sess, release := r.Acquire("u1")
	defer release()
	sess.Override = "全文内容"
	if got := sess.TakeOverride(); got != "全文内容" {
		t.Errorf("TakeOverride = %q", got)
	}
	if got := sess.TakeOverride(); got != "" {
		t.Errorf("second TakeOverride = %q, want empty", got)
	}
}

func TestReplaceWithSummary(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)

	sess, release := r.Acquire("u1")
	defer release()
	sess.AppendExchange("事实甲", "回答甲", r.MaxTurns(), now)
	sess.ReplaceWithSummary("用户讨论了事实甲", now)

	if len(sess.Turns) != 1 {
		t.Fatalf("len(Turns) = %d, want 1", len(sess.Turns))
	}
	if sess.Turns[0].Role != llm.RoleAssistant {
		t.Errorf("summary turn role = %q", sess.Turns[0].Role)
	}
	if strings.Contains(sess.Turns[0].Content, "回答甲") {
		t.Error("summary turn must not contain literal prior turn text")
	}
	if !strings.Contains(sess.Turns[0].Content, "用户讨论了事实甲") {
		t.Error("summary turn must carry the summary")
	}
}

func TestFlattenUserContent(t *testing.T) {
	if got := FlattenUserContent("你好", 0); got != "你好" {
		t.Errorf("FlattenUserContent = %q", got)
	}
	if got := FlattenUserContent("看这个", 2); got != "[用户发送了2张图片] 看这个" {
		t.Errorf("FlattenUserContent = %q", got)
	}
	if got := FlattenUserContent("", 1); got != "[用户发送了1张图片]" {
		t.Errorf("FlattenUserContent = %q", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(&now)

	sess, release := r.Acquire("live")
	sess.AppendExchange("问", "答", r.MaxTurns(), now)
	sess.Usage.TurnCount = 1
	release()

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot size = %d, want 1", len(snap))
	}

	// An entry already past the idle timeout is discarded on restore.
	snap["stale"] = SnapshotEntry{
		Turns:      []Turn{{Role: llm.RoleUser, Content: "旧"}},
		LastActive: now.Add(-testIdleTimeout - time.Minute),
	}

	r2 := newTestRegistry(&now)
	restored := r2.Restore(snap)
	if len(restored) != 1 || restored[0] != "live" {
		t.Fatalf("Restore = %v, want [live]", restored)
	}

	sess, release = r2.Acquire("live")
	defer release()
	if len(sess.Turns) != 2 || sess.Usage.TurnCount != 1 {
		t.Errorf("restored session = %+v", sess)
	}
}

func TestFileSnapshotterRoundTrip(t *testing.T) {
	path := t.TempDir() + "/snap.json"
	s := NewFileSnapshotter(path)
	ctx := context.Background()

	loaded, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("missing file should load empty, got %d", len(loaded))
	}

	now := time.Now().Truncate(time.Second)
	snap := map[string]SnapshotEntry{
		"u1": {
			Turns:      []Turn{{Role: llm.RoleUser, Content: "你好"}},
			LastActive: now,
			Truncated:  true,
			Usage:      Usage{InputTokens: 10, OutputTokens: 20, TurnCount: 1},
		},
	}
	if err := s.Save(ctx, snap); err != nil {
		t.Fatalf("Save returned unexpected error: %v", err)
	}

	loaded, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	got := loaded["u1"]
	if len(got.Turns) != 1 || got.Turns[0].Content != "你好" {
		t.Errorf("loaded turns = %+v", got.Turns)
	}
	if !got.Truncated || got.Usage.InputTokens != 10 {
		t.Errorf("loaded entry = %+v", got)
	}
}
