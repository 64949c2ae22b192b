// Package retrieval implements the tiered search pipeline over the
// knowledge corpus: a free keyword stage, an auxiliary-model recall stage,
// and a bounded per-document extraction stage. Earlier stages short-circuit
// later model calls, and every stage failure degrades to "no context" rather
// than failing the request.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hearthd/hearth/internal/corpus"
	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/payload"
)

// NoContentSentinel is the reserved extractor reply meaning "nothing
// relevant in this document"; such snippets are dropped.
const NoContentSentinel = "无相关内容"

// Result is the pipeline outcome for one query.
type Result struct {
	Context  string
	Debug    []string
	AuxUsage llm.TokenUsage
}

// Pipeline runs the three retrieval stages.
type Pipeline struct {
	corpus        *corpus.Corpus
	aux           llm.Client
	model         string
	maxCandidates int
	charLimit     int
	logger        *slog.Logger
}

// New creates a pipeline. maxCandidates caps documents processed per query;
// charLimit bounds each extraction's output length in runes.
func New(c *corpus.Corpus, aux llm.Client, model string, maxCandidates, charLimit int, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		corpus:        c,
		aux:           aux,
		model:         model,
		maxCandidates: maxCandidates,
		charLimit:     charLimit,
		logger:        logger,
	}
}

// Resolve assembles context for the query. skipKeyword forces the recall
// stage, used by explicit-recall commands.
func (p *Pipeline) Resolve(ctx context.Context, query string, skipKeyword bool) Result {
	var res Result

	// Stage 1: keyword match, no model call.
	var candidates []corpus.Entry
	if skipKeyword {
		res.Debug = append(res.Debug, "🔍 关键词: 跳过（/recall）")
	} else {
		hits, err := p.corpus.Search(query)
		switch {
		case err != nil:
			p.logger.Warn("keyword stage failed", "error", err)
			res.Debug = append(res.Debug, "🔍 关键词: 出错 - "+err.Error())
		case len(hits) > 0:
			candidates = hits
			res.Debug = append(res.Debug, fmt.Sprintf("🔍 关键词: 命中 [%s]", joinIDs(hits)))
		default:
			res.Debug = append(res.Debug, "🔍 关键词: 未命中")
		}
	}

	// Stage 2: recall, only when stage 1 produced nothing.
	if len(candidates) == 0 {
		entries, err := p.corpus.Entries()
		switch {
		case err != nil:
			p.logger.Warn("recall stage failed", "error", err)
			res.Debug = append(res.Debug, "🧠 回忆员: 出错 - "+err.Error())
		case len(entries) == 0:
			res.Debug = append(res.Debug, "🧠 回忆员: 跳过（图书馆为空）")
		default:
			selected, usage, err := p.recall(ctx, query, entries)
			res.AuxUsage.Add(usage)
			if err != nil {
				p.logger.Warn("recall stage failed", "error", err)
				res.Debug = append(res.Debug, "🧠 回忆员: 出错 - "+err.Error())
			} else {
				candidates = selected
				names := "无"
				if len(selected) > 0 {
					names = joinIDs(selected)
				}
				res.Debug = append(res.Debug, fmt.Sprintf("🧠 回忆员: 返回 [%s]", names))
			}
		}
	} else {
		res.Debug = append(res.Debug, "🧠 回忆员: 跳过")
	}

	// Stage 3: per-candidate extraction, bounded.
	if len(candidates) == 0 {
		res.Debug = append(res.Debug, "📦 提取员: 跳过")
		return res
	}

	if len(candidates) > p.maxCandidates {
		candidates = candidates[:p.maxCandidates]
	}

	var snippets []string
	var parts []string
	for _, entry := range candidates {
		snippet, usage, err := p.extract(ctx, query, entry.Body)
		res.AuxUsage.Add(usage)
		if err != nil {
			p.logger.Warn("extract stage failed", "entry", entry.ID, "error", err)
			continue
		}
		if snippet == NoContentSentinel || snippet == "" {
			continue
		}
		snippets = append(snippets, snippet)
		parts = append(parts, fmt.Sprintf("%s(%d字→%d字)",
			entry.ID, utf8.RuneCountInString(entry.Body), utf8.RuneCountInString(snippet)))
	}

	if len(snippets) == 0 {
		res.Debug = append(res.Debug, "📦 提取员: 无相关内容")
		return res
	}
	res.Context = strings.Join(snippets, "\n\n")
	res.Debug = append(res.Debug, "📦 提取员: "+strings.Join(parts, " + "))
	return res
}

const recallPrompt = `你是文件检索助手。根据用户问题，从文件列表中选最相关的文件。只返回 JSON 数组 ["file1.md"]。没有就返回 []。不要解释。`

func (p *Pipeline) recall(ctx context.Context, query string, entries []corpus.Entry) ([]corpus.Entry, llm.TokenUsage, error) {
	var list strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&list, "- %s [tags: %s] %s\n", e.ID, strings.Join(e.Tags, ", "), e.Summary)
	}

	resp, err := p.aux.Chat(ctx, llm.ChatRequest{
		Model:  p.model,
		System: recallPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("用户问题：%s\n\n文件列表：\n%s", query, list.String()),
		}},
		MaxTokens: 256,
	})
	if err != nil {
		return nil, llm.TokenUsage{}, err
	}

	var names []string
	if !payload.DecodeArray(resp.Content, &names) {
		return nil, resp.Usage, fmt.Errorf("recall payload unparseable: %q", resp.Content)
	}

	byID := make(map[string]corpus.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	var selected []corpus.Entry
	for _, name := range names {
		if e, ok := byID[name]; ok {
			selected = append(selected, e)
		}
	}
	return selected, resp.Usage, nil
}

func (p *Pipeline) extract(ctx context.Context, query, body string) (string, llm.TokenUsage, error) {
	system := fmt.Sprintf(`用户问的是下面这个问题。从提供的资料中，只提取跟这个问题直接相关的信息，用中文精简输出，不超过 %d 字。不要加解释、不要加前缀、不要编造。如果资料中没有相关内容，只输出"%s"。`,
		p.charLimit, NoContentSentinel)

	resp, err := p.aux.Chat(ctx, llm.ChatRequest{
		Model:  p.model,
		System: system,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("问题：%s\n\n资料：\n%s", query, body),
		}},
		MaxTokens: 512,
	})
	if err != nil {
		return "", llm.TokenUsage{}, err
	}

	// The instruction bounds the output, but the bound is a contract with
	// the caller, so overlong replies are clipped.
	return truncateRunes(resp.Content, p.charLimit), resp.Usage, nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func joinIDs(entries []corpus.Entry) string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return strings.Join(ids, ", ")
}
