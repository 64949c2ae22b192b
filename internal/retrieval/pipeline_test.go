package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hearthd/hearth/internal/corpus"
	"github.com/hearthd/hearth/internal/llm"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testCorpus(t *testing.T, files map[string]string) *corpus.Corpus {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	c, err := corpus.New(root, corpus.WithLogger(testLogger))
	if err != nil {
		t.Fatalf("corpus.New: %v", err)
	}
	return c
}

func TestKeywordHitSkipsRecall(t *testing.T) {
	c := testCorpus(t, map[string]string{
		"weather.md": "---\ntags: 天气\nsummary: 天气记录\n---\n今天北京晴，25度。\n",
		"cars.md":    "---\ntags: 汽车\nsummary: 汽车\n---\n保养记录。\n",
	})
	// Single response: only the extraction call should happen.
	mock := llm.NewMockClient(llm.MockResponse{
		Content: "北京晴，25度",
		Usage:   llm.TokenUsage{InputTokens: 30, OutputTokens: 10},
	})
	p := New(c, mock, "deepseek-chat", 5, 150, testLogger)

	res := p.Resolve(context.Background(), "今天天气怎么样", false)

	if mock.CallCount() != 1 {
		t.Errorf("aux calls = %d, want 1 (extraction only, recall short-circuited)", mock.CallCount())
	}
	if !strings.Contains(res.Context, "北京晴") {
		t.Errorf("Context = %q", res.Context)
	}
	if res.AuxUsage.Total() != 40 {
		t.Errorf("AuxUsage = %+v", res.AuxUsage)
	}

	joined := strings.Join(res.Debug, "\n")
	if !strings.Contains(joined, "关键词: 命中 [weather.md]") {
		t.Errorf("debug = %q", joined)
	}
	if !strings.Contains(joined, "回忆员: 跳过") {
		t.Errorf("debug = %q", joined)
	}
}

func TestRecallStageOnKeywordMiss(t *testing.T) {
	c := testCorpus(t, map[string]string{
		"profile.md": "---\ntags: 个人\nsummary: 个人信息\n---\n用户叫张三。\n",
	})
	mock := llm.NewMockClient(
		llm.MockResponse{Content: `模型选择：["profile.md"]`},
		llm.MockResponse{Content: "用户叫张三"},
	)
	p := New(c, mock, "deepseek-chat", 5, 150, testLogger)

	res := p.Resolve(context.Background(), "我之前说过我的名字吗", false)

	if mock.CallCount() != 2 {
		t.Errorf("aux calls = %d, want 2 (recall + extract)", mock.CallCount())
	}
	if !strings.Contains(res.Context, "张三") {
		t.Errorf("Context = %q", res.Context)
	}
}

func TestSkipKeywordForcesRecall(t *testing.T) {
	c := testCorpus(t, map[string]string{
		"weather.md": "---\ntags: 天气\nsummary: 天气\n---\n晴。\n",
	})
	mock := llm.NewMockClient(
		llm.MockResponse{Content: `[]`},
	)
	p := New(c, mock, "deepseek-chat", 5, 150, testLogger)

	res := p.Resolve(context.Background(), "天气", true)

	if mock.CallCount() != 1 {
		t.Errorf("aux calls = %d, want 1 (recall only)", mock.CallCount())
	}
	if res.Context != "" {
		t.Errorf("Context = %q, want empty", res.Context)
	}
	if !strings.Contains(strings.Join(res.Debug, "\n"), "跳过（/recall）") {
		t.Errorf("debug = %v", res.Debug)
	}
}

func TestEmptyCorpusSkipsRecall(t *testing.T) {
	c := testCorpus(t, nil)
	mock := llm.NewMockClient()
	p := New(c, mock, "deepseek-chat", 5, 150, testLogger)

	res := p.Resolve(context.Background(), "随便问问", false)
	if mock.CallCount() != 0 {
		t.Errorf("aux calls = %d, want 0", mock.CallCount())
	}
	if !strings.Contains(strings.Join(res.Debug, "\n"), "图书馆为空") {
		t.Errorf("debug = %v", res.Debug)
	}
}

func TestExtractionBoundEnforced(t *testing.T) {
	c := testCorpus(t, map[string]string{
		"weather.md": "---\ntags: 天气\nsummary: 天气\n---\n正文。\n",
	})
	long := strings.Repeat("长", 500)
	mock := llm.NewMockClient(llm.MockResponse{Content: long})
	p := New(c, mock, "deepseek-chat", 5, 150, testLogger)

	res := p.Resolve(context.Background(), "天气", false)
	if got := utf8.RuneCountInString(res.Context); got > 150 {
		t.Errorf("extraction output = %d runes, want ≤ 150", got)
	}
}

func TestSentinelFiltered(t *testing.T) {
	c := testCorpus(t, map[string]string{
		"a.md": "---\ntags: 天气\nsummary: a\n---\n正文甲。\n",
		"b.md": "---\ntags: 天气\nsummary: b\n---\n正文乙。\n",
	})
	mock := llm.NewMockClient(
		llm.MockResponse{Content: NoContentSentinel},
		llm.MockResponse{Content: "有用的内容"},
	)
	p := New(c, mock, "deepseek-chat", 5, 150, testLogger)

	res := p.Resolve(context.Background(), "天气", false)
	if res.Context != "有用的内容" {
		t.Errorf("Context = %q, want sentinel filtered out", res.Context)
	}
}

func TestCandidateCap(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 8; i++ {
		files[fmt.Sprintf("f%d.md", i)] = "---\ntags: 天气\nsummary: s\n---\n正文。\n"
	}
	c := testCorpus(t, files)
	mock := llm.NewMockClient(llm.MockResponse{Content: "片段"})
	p := New(c, mock, "deepseek-chat", 5, 150, testLogger)

	p.Resolve(context.Background(), "天气", false)
	if mock.CallCount() != 5 {
		t.Errorf("aux calls = %d, want 5 (candidate cap)", mock.CallCount())
	}
}

func TestRecallFailureDegrades(t *testing.T) {
	c := testCorpus(t, map[string]string{
		"a.md": "---\ntags: 个人\nsummary: s\n---\n正文。\n",
	})
	mock := llm.NewMockClient(llm.MockResponse{Error: errors.New("aux down")})
	p := New(c, mock, "deepseek-chat", 5, 150, testLogger)

	res := p.Resolve(context.Background(), "不相干的问题", false)
	if res.Context != "" {
		t.Errorf("Context = %q, want empty on degraded pipeline", res.Context)
	}
	if !strings.Contains(strings.Join(res.Debug, "\n"), "回忆员: 出错") {
		t.Errorf("debug = %v", res.Debug)
	}
}

func TestRecallUnknownNamesIgnored(t *testing.T) {
	c := testCorpus(t, map[string]string{
		"a.md": "---\ntags: 个人\nsummary: s\n---\n正文。\n",
	})
	mock := llm.NewMockClient(
		llm.MockResponse{Content: `["ghost.md", "a.md"]`},
		llm.MockResponse{Content: "片段"},
	)
	p := New(c, mock, "deepseek-chat", 5, 150, testLogger)

	res := p.Resolve(context.Background(), "问题", false)
	if mock.CallCount() != 2 {
		t.Errorf("aux calls = %d, want 2 (unknown name dropped before extraction)", mock.CallCount())
	}
	if res.Context != "片段" {
		t.Errorf("Context = %q", res.Context)
	}
}
