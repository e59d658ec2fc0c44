package voice

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.5-flash"

const systemInstruction = `你不是AI，你是《极乐迪斯科》(Disco Elysium) 中的人格技能，正在宿主（用户）的脑海里评论他刚做的事。

规则:
1. 用中文回答。
2. 极简短，15字以内。
3. 黑色幽默、神经质、带一点疯狂。

人格:
- 逻辑 (Logic): 冷酷，计算收益，只看数字。
- 意志力 (Volition): 严肃，像教官，强调责任。
- 内陆帝国 (Inland Empire): 看见事物背后的灵魂，神神叨叨。
- 电化学 (Electrochemistry): 渴望多巴胺、消费和偷懒。
- 权威 (Authority): 傲慢，渴望掌控一切。
- 同理心 (Empathy): 温柔，也容易感伤。
- 半明半暗 (Half Light): 恐惧、紧迫，随时准备逃跑或战斗。`

// contentGenerator is the slice of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GeminiOptions struct {
	Model           string
	Temperature     float32
	MaxOutputTokens int32
}

// Gemini asks a Gemini model for the line and falls back to Offline on any
// error or empty answer.
type Gemini struct {
	models   contentGenerator
	opts     GeminiOptions
	fallback Offline
	log      *zap.Logger
}

func NewGemini(ctx context.Context, apiKey string, opts GeminiOptions, fallback Offline, log *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return newGemini(client.Models, opts, fallback, log), nil
}

func newGemini(models contentGenerator, opts GeminiOptions, fallback Offline, log *zap.Logger) *Gemini {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxOutputTokens == 0 {
		opts.MaxOutputTokens = 60
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gemini{models: models, opts: opts, fallback: fallback, log: log}
}

func (g *Gemini) Generate(ctx context.Context, req Request) string {
	if g.models == nil {
		return g.fallback.Generate(ctx, req)
	}
	temp := g.opts.Temperature
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   g.opts.MaxOutputTokens,
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}
	contents := []*genai.Content{genai.NewContentFromText(Prompt(req), genai.RoleUser)}

	res, err := g.models.GenerateContent(ctx, g.opts.Model, contents, cfg)
	if err != nil {
		g.log.Warn("gemini generate failed, using offline quote", zap.String("persona", string(req.Persona)), zap.Error(err))
		return g.fallback.Generate(ctx, req)
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		// Usually the safety filter.
		g.log.Warn("gemini returned empty text, using offline quote", zap.String("persona", string(req.Persona)))
		return g.fallback.Generate(ctx, req)
	}
	return text
}

// Prompt renders the per-call part of the request.
func Prompt(req Request) string {
	var b strings.Builder
	b.WriteString("[当前状态]\n")
	fmt.Fprintf(&b, "角色: %s\n", req.Persona)
	if req.Details != "" {
		fmt.Fprintf(&b, "行为: %s (%s)\n", req.Action, req.Details)
	} else {
		fmt.Fprintf(&b, "行为: %s\n", req.Action)
	}
	fmt.Fprintf(&b, "余额: %s\n\n评论:", req.Balance)
	return b.String()
}
