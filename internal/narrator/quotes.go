package narrator

import (
	"fmt"

	"innervoice/internal/domain"
)

// QuoteBank maps each persona to the lines it falls back on when no rule
// matches a trigger.
type QuoteBank map[domain.Persona][]string

var builtinQuotes = map[domain.Persona][]string{
	domain.Logic: {
		"这笔账算不过来。",
		"效率。我们需要的是效率。",
		"数字不会撒谎，但你会。",
		"资产负债表在哭泣。",
		"这不合逻辑，但很赚钱。",
		"投入产出比尚可接受。",
	},
	domain.Volition: {
		"坚持住，还没到休息的时候。",
		"不要让那些杂念占据你的大脑。",
		"挺直腰板，警探。",
		"这就是成长的代价。",
		"控制你自己。",
		"如果你现在放弃，一切就都完了。",
	},
	domain.InlandEmpire: {
		"空气中弥漫着旧纸币和遗憾的味道。",
		"这不仅仅是一个任务，这是一个预兆。",
		"某种东西在阴影里看着我们。",
		"我听见硬币在口袋里唱歌。",
		"世界在崩塌，而我们在扫地。",
		"你的领带在试图勒死你。",
	},
	domain.Electrochemistry: {
		"噢……就是这种感觉！再来一点！",
		"别管那些工作了，去买点好玩的！",
		"我们需要糖分，需要酒精，需要多巴胺！",
		"看看那个奖励……它在发光！",
		"只要一点点放纵，没人会知道的。",
		"我的神经末梢在跳舞。",
	},
	domain.Authority: {
		"让他们看看谁才是老大。",
		"尊重是买不来的，但恐惧可以。",
		"不要低头，皇冠会掉。",
		"这世界只听得懂一种语言：力量。",
		"你太软弱了。",
		"掌控局势。",
	},
	domain.Empathy: {
		"我感到了……一种淡淡的忧伤。",
		"对自己好一点。",
		"这很难，我知道这很难。",
		"也许这世界还是有一点温暖的。",
		"每个人都在挣扎。",
		"心碎的声音是无声的。",
	},
	domain.HalfLight: {
		"快点！没时间了！",
		"他们来了！他们知道你没完成任务！",
		"跑！或者战斗！",
		"那种恐惧感……在脊椎上爬行。",
		"如果不做完，我们会死的！",
	},
}

// DefaultQuotes returns a fresh copy of the built-in bank.
func DefaultQuotes() QuoteBank {
	return QuoteBank(builtinQuotes).With(nil)
}

// With returns a copy of the bank with extra lines appended per persona.
func (b QuoteBank) With(extra map[domain.Persona][]string) QuoteBank {
	out := make(QuoteBank, len(b)+len(builtinQuotes))
	for p, lines := range b {
		out[p] = append([]string(nil), lines...)
	}
	for p, lines := range extra {
		out[p] = append(out[p], lines...)
	}
	return out
}

// Lines returns the persona's lines, or Logic's when the persona has none.
func (b QuoteBank) Lines(p domain.Persona) []string {
	if lines := b[p]; len(lines) > 0 {
		return lines
	}
	return b[domain.Logic]
}

// Validate checks that every persona has at least one line and that no
// line is empty.
func (b QuoteBank) Validate() error {
	for _, p := range domain.Personas {
		if len(b[p]) == 0 {
			return fmt.Errorf("quote bank: %s has no lines", p)
		}
	}
	for p, lines := range b {
		if !p.Valid() {
			return fmt.Errorf("quote bank: unknown persona %q", p)
		}
		for i, l := range lines {
			if l == "" {
				return fmt.Errorf("quote bank: %s line %d is empty", p, i)
			}
		}
	}
	return nil
}
