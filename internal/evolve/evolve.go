// Package evolve runs the tri-stage self-diagnosis loop: a diagnostician
// explains what went wrong, a planner proposes a fix, and a judge decides
// what may actually happen. The judge's authority is split: it may order
// one of a small set of one-time actions, and anything permanent becomes a
// suggestion routed to a human-review log.
package evolve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/payload"
	"github.com/hearthd/hearth/internal/session"
)

// ActionKind is a one-time action the judge may order.
type ActionKind string

const (
	ActionNone     ActionKind = "none"
	ActionFullload ActionKind = "fullload"
	ActionResearch ActionKind = "research"
)

// Action is the judge's one-time decision. Only the kinds above execute;
// everything else is demoted to a suggestion.
type Action struct {
	Kind     ActionKind
	Argument string
}

// Report is the outcome of one full evolution run.
type Report struct {
	Diagnosis  string
	Proposal   string
	Action     Action
	Suggestion string
	AuxUsage   llm.TokenUsage
}

// StageError reports which stage of the loop failed. No partial state is
// kept: a failed run produces no action and no suggestion.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("evolution %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Loop runs the three stages against the auxiliary model.
type Loop struct {
	aux    llm.Client
	model  string
	logger *slog.Logger
	review *slog.Logger
}

// New creates a loop. review receives system-level suggestions for human
// eyes; when nil the main logger doubles as the review channel.
func New(aux llm.Client, model string, logger, review *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if review == nil {
		review = logger
	}
	return &Loop{aux: aux, model: model, logger: logger, review: review}
}

const diagnosePrompt = `你是系统诊断员。用户不满意，分析问题出在哪一步。可能的原因：关键词未匹配、回忆员未找到、提取员丢失关键信息、压缩员之前丢弃了重要事实、图书馆缺少相关文件。只输出诊断结论，100字以内。`

const proposePrompt = `你是方案员。根据诊断结论，提出具体修改建议。建议类型：新增 tag、新建 md 文件、修改压缩员规则、调整关键词匹配逻辑。只输出建议，150字以内。`

const judgePrompt = `你是裁判员。评估诊断和建议。你有两种权限：
第一，一次性决策：你可以决定执行针对当前问题的一次性操作。可选操作只有三种：
- "fullload"：全文加载某个图书馆文件，argument 填文件名
- "research"：换一个检索词重新检索，argument 填检索词
- "none"：不需要一次性操作
这些操作只影响这一次，不改变系统。
第二，系统级建议：如果你发现需要永久性修改（创建文件、修改tag、改压缩规则、改配置），只能提建议，由人类管理员决定。你没有执行权。
输出 JSON：
{ "one_time_action": { "kind": "none/fullload/research", "argument": "参数" }, "system_suggestion": "给人类管理员的系统改进建议，或 none" }`

type verdictPayload struct {
	OneTimeAction struct {
		Kind     string `json:"kind"`
		Argument string `json:"argument"`
	} `json:"one_time_action"`
	SystemSuggestion string `json:"system_suggestion"`
}

// Run executes diagnose, propose, judge in order for one complaint. Any
// stage failure aborts the run with a StageError.
func (l *Loop) Run(ctx context.Context, userID, complaint string, history []session.Turn, debugTrace string) (Report, error) {
	var rep Report

	diagnosis, usage, err := l.diagnose(ctx, complaint, history, debugTrace)
	rep.AuxUsage.Add(usage)
	if err != nil {
		return Report{}, &StageError{Stage: "diagnose", Err: err}
	}
	rep.Diagnosis = diagnosis

	proposal, usage, err := l.stage(ctx, proposePrompt, "诊断结论："+diagnosis)
	rep.AuxUsage.Add(usage)
	if err != nil {
		return Report{}, &StageError{Stage: "propose", Err: err}
	}
	rep.Proposal = proposal

	raw, usage, err := l.stage(ctx, judgePrompt,
		fmt.Sprintf("诊断：%s\n\n建议方案：%s", diagnosis, proposal))
	rep.AuxUsage.Add(usage)
	if err != nil {
		return Report{}, &StageError{Stage: "judge", Err: err}
	}

	rep.Action, rep.Suggestion = parseVerdict(raw)

	if rep.Suggestion != "" {
		l.review.Info("system suggestion for human review",
			"user", userID,
			"diagnosis", rep.Diagnosis,
			"suggestion", rep.Suggestion)
	}
	return rep, nil
}

func (l *Loop) diagnose(ctx context.Context, complaint string, history []session.Turn, debugTrace string) (string, llm.TokenUsage, error) {
	var transcript strings.Builder
	for _, turn := range history {
		label := "用户"
		if turn.Role == llm.RoleAssistant {
			label = "助手"
		}
		fmt.Fprintf(&transcript, "%s：%s\n", label, turn.Content)
	}
	input := fmt.Sprintf("用户不满内容：%s\n\n对话历史：\n%s\n调试日志：\n%s",
		complaint, transcript.String(), debugTrace)
	return l.stage(ctx, diagnosePrompt, input)
}

func (l *Loop) stage(ctx context.Context, system, input string) (string, llm.TokenUsage, error) {
	resp, err := l.aux.Chat(ctx, llm.ChatRequest{
		Model:     l.model,
		System:    system,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: input}},
		MaxTokens: 512,
	})
	if err != nil {
		return "", llm.TokenUsage{}, err
	}
	return strings.TrimSpace(resp.Content), resp.Usage, nil
}

// parseVerdict validates the judge's reply at the boundary. An unparseable
// reply or an unknown action kind never executes: the text survives only as
// a suggestion.
func parseVerdict(raw string) (Action, string) {
	var v verdictPayload
	if !payload.DecodeObject(raw, &v) {
		return Action{Kind: ActionNone}, raw
	}

	suggestion := strings.TrimSpace(v.SystemSuggestion)
	if strings.EqualFold(suggestion, "none") {
		suggestion = ""
	}

	kind := ActionKind(strings.TrimSpace(v.OneTimeAction.Kind))
	arg := strings.TrimSpace(v.OneTimeAction.Argument)
	switch kind {
	case ActionFullload, ActionResearch:
		if arg == "" {
			return Action{Kind: ActionNone}, suggestion
		}
		return Action{Kind: kind, Argument: arg}, suggestion
	case ActionNone, "":
		return Action{Kind: ActionNone}, suggestion
	default:
		demoted := fmt.Sprintf("未知一次性操作 %q（参数 %q），未执行", kind, arg)
		if suggestion != "" {
			demoted = suggestion + "；" + demoted
		}
		return Action{Kind: ActionNone}, demoted
	}
}
