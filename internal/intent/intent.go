// Package intent classifies an inbound message into a control verb and a
// search decision with a single auxiliary-model call.
package intent

import (
	"context"
	"log/slog"

	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/payload"
)

// Control is the classified control verb.
type Control string

const (
	ControlNone     Control = "none"
	ControlReset    Control = "reset"
	ControlCompress Control = "compress"
	ControlStatus   Control = "status"
	ControlSearch   Control = "search"
	ControlRecall   Control = "recall"
	ControlFullload Control = "fullload"
	ControlLibrary  Control = "library"
	ControlEvolve   Control = "evolve"
	ControlConfirm  Control = "confirm"
)

var knownControls = map[Control]bool{
	ControlNone: true, ControlReset: true, ControlCompress: true,
	ControlStatus: true, ControlSearch: true, ControlRecall: true,
	ControlFullload: true, ControlLibrary: true, ControlEvolve: true,
	ControlConfirm: true,
}

// Intent is the classification result.
type Intent struct {
	NeedSearch bool
	Query      string
	Control    Control
	Args       string
}

// Default is the fallback intent used when classification fails.
func Default() Intent {
	return Intent{Control: ControlNone}
}

// Classifier maps raw user text to an Intent.
type Classifier struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewClassifier creates a classifier over the auxiliary model.
func NewClassifier(client llm.Client, model string, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, model: model, logger: logger}
}

const classifierPrompt = `分析用户消息的意图。判断两件事：

1. 是否需要联网搜索？搜索门槛要低——只要消息涉及任何事实、人物、地点、事件、价格、新闻、天气、产品、公司、法律、科技、文化等话题，都应该搜索。只有纯粹的闲聊、情感表达、创意写作、或明确针对私人记忆的问题才不需要搜索。

2. 用户的控制意图是什么？用户可能用自然语言或斜杠命令表达以下意图：
   - "reset"：清空对话（如"重新开始"、"清空记忆"、"忘掉之前说的"、"新话题"、"/reset"）
   - "compress"：压缩对话（如"压缩一下"、"总结一下对话"、"帮我精简上下文"、"/compress"）
   - "status"：查看状态（如"你什么状态"、"现在情况怎样"、"/ping"、"/status"）
   - "search"：主动搜索（如"搜一下XX"、"帮我查查XX"、"/search XX"）— args 填搜索词
   - "recall"：回忆图书馆（如"你还记得XX吗"、"回忆一下XX"、"/recall XX"）— args 填查询词
   - "fullload"：加载文件（如"加载XX文件"、"把XX载入上下文"、"/fullload XX"）— args 填文件名
   - "library"：查看图书馆（如"图书馆有什么"、"列出所有文件"、"/library"）
   - "evolve"：自检改进（如"自检一下"、"分析一下问题"、"/evolve"）
   - "confirm"：用户确认执行待定操作（如"好的"、"确认"、"执行吧"、"是的"）— 仅当上文有待确认操作时才用
   - "none"：普通对话，不是控制指令

注意：
- 当 control 是 search/recall/fullload 时，必须从用户消息中提取 args（搜索词/查询词/文件名）
- 当 control 是 search 时，need_search 应为 false（搜索由系统单独处理）
- "confirm" 仅用于用户明确表示同意/确认的简短回复，不要把普通对话误判为 confirm

只输出 JSON：{"need_search": true/false, "query": "搜索词", "control": "none/reset/compress/status/search/recall/fullload/library/evolve/confirm", "args": "参数"}`

type intentPayload struct {
	NeedSearch bool   `json:"need_search"`
	Query      string `json:"query"`
	Control    string `json:"control"`
	Args       string `json:"args"`
}

// Classify runs one auxiliary call. Any failure — transport or parse —
// degrades to the default intent with zero cost attributed.
func (c *Classifier) Classify(ctx context.Context, message string) (Intent, llm.TokenUsage) {
	resp, err := c.client.Chat(ctx, llm.ChatRequest{
		Model:     c.model,
		System:    classifierPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: message}},
		MaxTokens: 256,
	})
	if err != nil {
		c.logger.Warn("intent classification failed", "error", err)
		return Default(), llm.TokenUsage{}
	}

	var p intentPayload
	if !payload.DecodeObject(resp.Content, &p) {
		c.logger.Warn("intent payload unparseable", "raw", resp.Content)
		return Default(), llm.TokenUsage{}
	}

	control := Control(p.Control)
	if !knownControls[control] {
		control = ControlNone
	}
	return Intent{
		NeedSearch: p.NeedSearch,
		Query:      p.Query,
		Control:    control,
		Args:       p.Args,
	}, resp.Usage
}
