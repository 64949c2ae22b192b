// Package router is the per-message state machine: admission, intent
// classification, the control branches, and the final conversation call.
// Destructive branches (reset, compress) run a two-phase commit through a
// session PendingAction; everything else injects branch-specific context
// and lets the persona phrase the answer.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/admit"
	"github.com/hearthd/hearth/internal/corpus"
	"github.com/hearthd/hearth/internal/engine"
	"github.com/hearthd/hearth/internal/evolve"
	"github.com/hearthd/hearth/internal/intent"
	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/retrieval"
	"github.com/hearthd/hearth/internal/schedule"
	"github.com/hearthd/hearth/internal/search"
	"github.com/hearthd/hearth/internal/session"
	"github.com/hearthd/hearth/internal/summarizer"
	"github.com/hearthd/hearth/internal/telemetry"
)

// RateLimitedReply is returned verbatim when admission rejects a message.
const RateLimitedReply = "消息有点太快了，喘口气，等一分钟再聊吧。"

// evolutionApology is returned when the evolution loop fails mid-run.
const evolutionApology = "抱歉，自检过程出了点问题，请稍后再试。"

// dissatisfactionKeywords flags utterances implying forgotten or incorrect
// context. A plain substring scan, independent of which branch runs.
var dissatisfactionKeywords = []string{
	"不记得", "忘了", "说过了", "上次说的", "不对", "不是这个", "找不到", "怎么又", "已经告诉你",
}

// Dissatisfied reports whether the raw input carries a dissatisfaction cue.
func Dissatisfied(message string) bool {
	for _, kw := range dissatisfactionKeywords {
		if strings.Contains(message, kw) {
			return true
		}
	}
	return false
}

// Searcher is the external web search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// Result is one handled message.
type Result struct {
	Reply        string
	Debug        []string
	Dissatisfied bool
	Usage        llm.TokenUsage
}

// Router wires the per-message flow together.
type Router struct {
	limiter     *admit.Limiter
	classifier  *intent.Classifier
	pipeline    *retrieval.Pipeline
	searcher    Searcher
	eng         *engine.Engine
	registry    *session.Registry
	compressor  *summarizer.Summarizer
	evolution   *evolve.Loop
	library     *corpus.Corpus
	queue       *schedule.Queue
	auxRate     llm.Rate
	primaryRate llm.Rate
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	startedAt   time.Time

	mu        sync.Mutex
	lastDebug []string
}

// Deps carries the router's collaborators. searcher, queue, and metrics may
// be nil; the corresponding features degrade gracefully.
type Deps struct {
	Limiter     *admit.Limiter
	Classifier  *intent.Classifier
	Pipeline    *retrieval.Pipeline
	Searcher    Searcher
	Engine      *engine.Engine
	Registry    *session.Registry
	Compressor  *summarizer.Summarizer
	Evolution   *evolve.Loop
	Library     *corpus.Corpus
	Queue       *schedule.Queue
	AuxRate     llm.Rate
	PrimaryRate llm.Rate
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// New creates a router.
func New(d Deps) *Router {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		limiter:     d.Limiter,
		classifier:  d.Classifier,
		pipeline:    d.Pipeline,
		searcher:    d.Searcher,
		eng:         d.Engine,
		registry:    d.Registry,
		compressor:  d.Compressor,
		evolution:   d.Evolution,
		library:     d.Library,
		queue:       d.Queue,
		auxRate:     d.AuxRate,
		primaryRate: d.PrimaryRate,
		metrics:     d.Metrics,
		logger:      logger,
		startedAt:   time.Now(),
	}
}

// LastDebug returns the most recent debug trace, which seeds the next
// evolution diagnosis.
func (r *Router) LastDebug() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lastDebug))
	copy(out, r.lastDebug)
	return out
}

func (r *Router) setLastDebug(debug []string) {
	r.mu.Lock()
	r.lastDebug = make([]string, len(debug))
	copy(r.lastDebug, debug)
	r.mu.Unlock()
}

// Handle processes one inbound message end to end.
func (r *Router) Handle(ctx context.Context, userID, message string, imageURLs []string) (Result, error) {
	if r.limiter != nil && !r.limiter.Allow(userID) {
		if r.metrics != nil {
			r.metrics.RecordMessage("admission", "rejected")
		}
		r.logger.Warn("message rejected by admission", "user", userID)
		return Result{
			Reply:        RateLimitedReply,
			Debug:        []string{"🚦 限流: 拒绝"},
			Dissatisfied: Dissatisfied(message),
		}, nil
	}

	it, auxUsage := r.classifier.Classify(ctx, message)
	debug := []string{fmt.Sprintf("🎯 意图: control=%s need_search=%v", it.Control, it.NeedSearch)}

	sess, release := r.registry.Acquire(userID)
	defer release()

	// A fresh control command supersedes whatever was awaiting confirmation.
	if it.Control != intent.ControlNone && it.Control != intent.ControlConfirm {
		sess.ClearPending()
	}

	var (
		contextText string
		rep         engine.Reply
		err         error
	)

	switch it.Control {
	case intent.ControlReset:
		sess.SetPending(session.PendingReset, r.registry.Now())
		debug = append(debug, "⏳ 待确认: reset")
		contextText = "系统提示：用户想清空当前对话。这是不可逆操作，请向用户确认是否真的要清空（让用户回复确认）。在确认之前什么都不会被删除。"
		rep, err = r.eng.Reply(ctx, sess, message, imageURLs, contextText)

	case intent.ControlCompress:
		sess.SetPending(session.PendingCompress, r.registry.Now())
		debug = append(debug, "⏳ 待确认: compress")
		contextText = "系统提示：用户想压缩当前对话为摘要。请向用户确认是否执行（让用户回复确认）。在确认之前历史保持原样。"
		rep, err = r.eng.Reply(ctx, sess, message, imageURLs, contextText)

	case intent.ControlConfirm:
		kind, ok := sess.TakePending(r.registry.ConfirmWindow(), r.registry.Now())
		if !ok {
			// Nothing pending (or expired): treat as a normal message.
			debug = append(debug, "⏳ 待确认: 无（按普通消息处理）")
			rep, err = r.defaultFlow(ctx, sess, message, imageURLs, it, &auxUsage, &debug)
			break
		}
		switch kind {
		case session.PendingReset:
			sess.Reset()
			if r.queue != nil {
				r.queue.Cancel(userID)
			}
			debug = append(debug, "🗑 已清空对话")
			contextText = "系统提示：对话已清空，重新开始。请简短告知用户。"
			rep, err = r.eng.Reply(ctx, sess, message, imageURLs, contextText)
		case session.PendingCompress:
			out, cerr := r.compressor.CompressSession(ctx, sess)
			switch {
			case errors.Is(cerr, summarizer.ErrTooShort):
				debug = append(debug, "🗜 压缩: 跳过（对话太短）")
				contextText = "系统提示：对话太短，不需要压缩。请告知用户。"
			case cerr != nil:
				r.logger.Warn("manual compression failed", "user", userID, "error", cerr)
				debug = append(debug, "🗜 压缩: 出错")
				contextText = "系统提示：压缩失败了，历史保持原样。请告知用户稍后再试。"
			default:
				auxUsage.Add(out.AuxUsage)
				debug = append(debug, fmt.Sprintf("🗜 压缩: 已归档 %s（%d 条事实）", out.EntryID, len(out.Facts)))
				contextText = "系统提示：对话已压缩归档，历史替换为摘要。请简短告知用户。"
			}
			rep, err = r.eng.Reply(ctx, sess, message, imageURLs, contextText)
		}

	case intent.ControlStatus:
		corpusSize, serr := r.library.Size()
		if serr != nil {
			r.logger.Warn("corpus size unavailable", "error", serr)
		}
		uptime := time.Since(r.startedAt).Round(time.Second)
		contextText = fmt.Sprintf(
			"系统状态：当前对话 %d 条消息（%d 轮），图书馆 %d 个文件，已运行 %s，累计 tokens in=%d out=%d。请用自然的语气向用户汇报。",
			len(sess.Turns), sess.Usage.TurnCount, corpusSize, uptime,
			sess.Usage.InputTokens, sess.Usage.OutputTokens)
		debug = append(debug, "📊 状态查询")
		rep, err = r.eng.Reply(ctx, sess, message, imageURLs, contextText)

	case intent.ControlSearch:
		query := it.Args
		if query == "" {
			query = message
		}
		contextText = r.webSearch(ctx, query, &debug)
		rep, err = r.eng.Reply(ctx, sess, message, imageURLs, contextText)

	case intent.ControlRecall:
		query := it.Args
		if query == "" {
			query = message
		}
		res := r.pipeline.Resolve(ctx, query, true)
		auxUsage.Add(res.AuxUsage)
		debug = append(debug, res.Debug...)
		rep, err = r.eng.Reply(ctx, sess, message, imageURLs, res.Context)

	case intent.ControlFullload:
		entry, found, gerr := r.library.Get(it.Args)
		switch {
		case gerr != nil:
			r.logger.Warn("fullload failed", "entry", it.Args, "error", gerr)
			debug = append(debug, "📄 全文加载: 出错")
			contextText = "系统提示：加载文件时出错了。请告知用户。"
		case !found:
			debug = append(debug, fmt.Sprintf("📄 全文加载: %s 未找到", it.Args))
			contextText = fmt.Sprintf("系统提示：图书馆里没有叫 %s 的文件。请告知用户。", it.Args)
		default:
			sess.Override = entry.Body
			debug = append(debug, fmt.Sprintf("📄 全文加载: %s", entry.ID))
			contextText = fmt.Sprintf("系统提示：已全文加载 %s。", entry.ID)
		}
		rep, err = r.eng.Reply(ctx, sess, message, imageURLs, contextText)

	case intent.ControlLibrary:
		contextText = r.listLibrary(&debug)
		rep, err = r.eng.Reply(ctx, sess, message, imageURLs, contextText)

	case intent.ControlEvolve:
		rep, err = r.runEvolution(ctx, sess, message, imageURLs, &auxUsage, &debug)
		var stageErr *evolve.StageError
		if errors.As(err, &stageErr) {
			r.logger.Warn("evolution failed", "user", userID, "stage", stageErr.Stage, "error", err)
			debug = append(debug, "🔬 自检: 出错（"+stageErr.Stage+"）")
			return r.finish(userID, it, evolutionApology, debug, message, auxUsage, llm.TokenUsage{}), nil
		}

	default:
		rep, err = r.defaultFlow(ctx, sess, message, imageURLs, it, &auxUsage, &debug)
	}

	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordMessage(string(it.Control), "error")
		}
		r.setLastDebug(debug)
		return Result{}, err
	}

	debug = append(debug, fmt.Sprintf("💬 外部session: context %d字, in=%d out=%d",
		rep.ContextLen, rep.Usage.InputTokens, rep.Usage.OutputTokens))
	return r.finish(userID, it, rep.Text, debug, message, auxUsage, rep.Usage), nil
}

func (r *Router) finish(userID string, it intent.Intent, reply string, debug []string,
	message string, aux, primary llm.TokenUsage) Result {
	debug = append(debug, llm.CostLine(r.auxRate, r.primaryRate, aux, primary))
	r.setLastDebug(debug)

	if r.metrics != nil {
		r.metrics.RecordMessage(string(it.Control), "ok")
		r.metrics.SetActiveSessions(r.registry.Count())
		if n, err := r.library.Size(); err == nil {
			r.metrics.SetCorpusEntries(n)
		}
	}

	total := aux
	total.Add(primary)
	return Result{
		Reply:        reply,
		Debug:        debug,
		Dissatisfied: Dissatisfied(message),
		Usage:        total,
	}
}

// defaultFlow is the none branch: retrieval, optional auto-search, engine.
func (r *Router) defaultFlow(ctx context.Context, sess *session.Session, message string,
	imageURLs []string, it intent.Intent, auxUsage *llm.TokenUsage, debug *[]string) (engine.Reply, error) {

	res := r.pipeline.Resolve(ctx, message, false)
	auxUsage.Add(res.AuxUsage)
	*debug = append(*debug, res.Debug...)

	contextText := res.Context
	if it.NeedSearch {
		query := it.Query
		if query == "" {
			query = message
		}
		if results := r.webSearch(ctx, query, debug); results != "" {
			if contextText != "" {
				contextText += "\n\n网络搜索结果：\n" + results
			} else {
				contextText = "网络搜索结果：\n" + results
			}
		}
	}
	return r.eng.Reply(ctx, sess, message, imageURLs, contextText)
}

// webSearch runs the external search and annotates the trace. Failures and
// the unconfigured case degrade to no context.
func (r *Router) webSearch(ctx context.Context, query string, debug *[]string) string {
	if r.searcher == nil {
		*debug = append(*debug, "🌐 搜索: 未配置")
		return ""
	}
	results, err := r.searcher.Search(ctx, query)
	if err != nil {
		r.logger.Warn("web search failed", "query", query, "error", err)
		*debug = append(*debug, "🌐 搜索: 出错 - "+err.Error())
		return ""
	}
	*debug = append(*debug, fmt.Sprintf("🌐 搜索: %q 返回 %d 条", query, len(results)))
	return search.FormatResults(results)
}

func (r *Router) listLibrary(debug *[]string) string {
	entries, err := r.library.Entries()
	if err != nil {
		r.logger.Warn("library listing failed", "error", err)
		*debug = append(*debug, "📚 图书馆: 出错")
		return "系统提示：图书馆暂时无法访问。请告知用户。"
	}
	*debug = append(*debug, fmt.Sprintf("📚 图书馆: %d 个文件", len(entries)))
	if len(entries) == 0 {
		return "系统提示：图书馆目前是空的。请告知用户。"
	}
	var b strings.Builder
	b.WriteString("图书馆文件列表：\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s：%s\n", e.ID, e.Summary)
	}
	b.WriteString("请向用户自然地介绍这些文件。")
	return b.String()
}

// runEvolution drives the tri-stage loop and executes an approved one-time
// action before the closing conversation call.
func (r *Router) runEvolution(ctx context.Context, sess *session.Session, message string,
	imageURLs []string, auxUsage *llm.TokenUsage, debug *[]string) (engine.Reply, error) {

	complaint := message
	for i := len(sess.Turns) - 1; i >= 0; i-- {
		if sess.Turns[i].Role == llm.RoleUser {
			complaint = sess.Turns[i].Content
			break
		}
	}

	rep, err := r.evolution.Run(ctx, sess.UserID, complaint, sess.Turns, strings.Join(r.LastDebug(), "\n"))
	auxUsage.Add(rep.AuxUsage)
	if err != nil {
		return engine.Reply{}, err
	}
	*debug = append(*debug, fmt.Sprintf("🔬 自检: 诊断完成，一次性操作=%s", rep.Action.Kind))

	var action string
	switch rep.Action.Kind {
	case evolve.ActionFullload:
		entry, found, gerr := r.library.Get(rep.Action.Argument)
		if gerr == nil && found {
			sess.Override = entry.Body
			action = fmt.Sprintf("已全文加载 %s。", entry.ID)
		} else {
			action = fmt.Sprintf("想加载 %s，但没有找到。", rep.Action.Argument)
		}
	case evolve.ActionResearch:
		res := r.pipeline.Resolve(ctx, rep.Action.Argument, true)
		auxUsage.Add(res.AuxUsage)
		*debug = append(*debug, res.Debug...)
		if res.Context != "" {
			action = fmt.Sprintf("用 %q 重新检索，找到了新的相关内容：\n%s", rep.Action.Argument, res.Context)
		} else {
			action = fmt.Sprintf("用 %q 重新检索，仍然没有找到相关内容。", rep.Action.Argument)
		}
	default:
		action = "无"
	}

	contextText := fmt.Sprintf(
		"自检报告：\n诊断：%s\n改进方案：%s\n一次性操作：%s\n请用自然的语气向用户总结这份自检结果。",
		rep.Diagnosis, rep.Proposal, action)
	return r.eng.Reply(ctx, sess, message, imageURLs, contextText)
}
