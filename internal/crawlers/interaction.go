package crawlers

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// InteractionAction 页面交互动作
type InteractionAction string

const (
	ActionClick   InteractionAction = "click"
	ActionScroll  InteractionAction = "scroll"
	ActionWait    InteractionAction = "wait"
	ActionWaitFor InteractionAction = "wait_for"
	ActionEval    InteractionAction = "eval"
)

const (
	// maxInteractionWait 单个wait动作的上限
	maxInteractionWait = 30 * time.Second
	// clickLookupTimeout 查找可点击元素的时限
	clickLookupTimeout = 10 * time.Second
)

// Interaction 抓取前在页面上执行的一个动作
type Interaction struct {
	Action   InteractionAction `json:"action" yaml:"action"`
	Selector string            `json:"selector,omitempty" yaml:"selector,omitempty"`
	Text     string            `json:"text,omitempty" yaml:"text,omitempty"` // 按按钮文字点击
	Duration time.Duration     `json:"duration,omitempty" yaml:"duration,omitempty"`
	Script   string            `json:"script,omitempty" yaml:"script,omitempty"`
	Repeat   int               `json:"repeat,omitempty" yaml:"repeat,omitempty"`
}

func (i Interaction) String() string {
	switch i.Action {
	case ActionClick:
		if i.Selector != "" {
			return "click " + i.Selector
		}
		return "click \"" + i.Text + "\""
	case ActionWait:
		return "wait " + i.Duration.String()
	case ActionWaitFor:
		return "wait_for " + i.Selector
	default:
		return string(i.Action)
	}
}

var (
	waitPattern    = regexp.MustCompile(`^wait(?:\s+for)?\s+(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?)?$`)
	waitForPattern = regexp.MustCompile(`(?i)^wait\s+for\s+(.+)$`)
	scrollPattern  = regexp.MustCompile(`^scroll(?:\s+(?:down|to\s+bottom))?(?:\s+(\d+)\s*(?:x|times))?$`)
	clickPattern   = regexp.MustCompile(`(?i)^click(?:\s+on)?\s+(.+)$`)
	evalPattern    = regexp.MustCompile(`^(?:js|eval)\s*:\s*(.+)$`)
	selectorLike   = regexp.MustCompile(`^[.#\[]|^[a-z0-9]+[.#\[:>]`)
)

// ParseInteractions 将简单的自然语言指令解析为交互动作
// 指令以换行、分号或 " then " 分隔,例如:
//
//	"click load more; wait 2 seconds; scroll 3 times"
func ParseInteractions(text string) ([]Interaction, error) {
	text = strings.ReplaceAll(text, " then ", ";")
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == ';' || r == '\n'
	})

	interactions := make([]Interaction, 0, len(parts))
	for _, part := range parts {
		phrase := strings.TrimSpace(part)
		if phrase == "" {
			continue
		}
		interaction, err := parseInteraction(phrase)
		if err != nil {
			return nil, err
		}
		interactions = append(interactions, interaction)
	}
	return interactions, nil
}

func parseInteraction(phrase string) (Interaction, error) {
	if m := evalPattern.FindStringSubmatch(phrase); m != nil {
		return Interaction{Action: ActionEval, Script: strings.TrimSpace(m[1])}, nil
	}

	lower := strings.ToLower(phrase)

	if m := waitPattern.FindStringSubmatch(lower); m != nil {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Interaction{}, fmt.Errorf("无法解析等待时间: %q", phrase)
		}
		unit := time.Second
		if strings.HasPrefix(m[2], "m") {
			unit = time.Millisecond
		}
		d := time.Duration(value * float64(unit))
		if d > maxInteractionWait {
			d = maxInteractionWait
		}
		return Interaction{Action: ActionWait, Duration: d}, nil
	}

	if m := waitForPattern.FindStringSubmatch(phrase); m != nil {
		return Interaction{Action: ActionWaitFor, Selector: strings.TrimSpace(m[1])}, nil
	}

	if m := scrollPattern.FindStringSubmatch(lower); m != nil {
		repeat := 1
		if m[1] != "" {
			repeat, _ = strconv.Atoi(m[1])
		}
		return Interaction{Action: ActionScroll, Repeat: repeat}, nil
	}

	if m := clickPattern.FindStringSubmatch(phrase); m != nil {
		target := strings.TrimSpace(m[1])
		if selectorLike.MatchString(target) {
			return Interaction{Action: ActionClick, Selector: target}, nil
		}
		return Interaction{Action: ActionClick, Text: strings.Trim(target, `"'`)}, nil
	}

	return Interaction{}, fmt.Errorf("无法识别的交互指令: %q", phrase)
}

const clickableSelector = "button, a, [role=button], input[type=button], input[type=submit]"

// TextPattern 按文字匹配元素的JS正则,rod只认 /pattern/flags 形式的标志位
func TextPattern(text string) string {
	return "/" + regexp.QuoteMeta(strings.TrimSpace(text)) + "/i"
}

// runInteractions 依次在页面上执行交互动作
// 单个动作失败只记录警告,页面内容仍然会被采集
func runInteractions(ctx context.Context, page *rod.Page, interactions []Interaction) {
	for _, interaction := range interactions {
		if ctx.Err() != nil {
			return
		}
		if err := runInteraction(ctx, page, interaction); err != nil {
			log.Warn().Err(err).Str("action", interaction.String()).Msg("页面交互执行失败")
		}
	}
}

func runInteraction(ctx context.Context, page *rod.Page, interaction Interaction) error {
	p := page.Context(ctx)

	switch interaction.Action {
	case ActionWait:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interaction.Duration):
			return nil
		}

	case ActionWaitFor:
		tp := p.Timeout(maxInteractionWait)
		defer tp.CancelTimeout()
		_, err := tp.Element(interaction.Selector)
		return err

	case ActionScroll:
		repeat := interaction.Repeat
		if repeat < 1 {
			repeat = 1
		}
		for i := 0; i < repeat; i++ {
			if _, err := p.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
				return fmt.Errorf("滚动失败: %w", err)
			}
			if err := p.WaitIdle(2 * time.Second); err != nil {
				log.Debug().Err(err).Msg("滚动后等待空闲超时")
			}
		}
		return nil

	case ActionClick:
		tp := p.Timeout(clickLookupTimeout)
		var el *rod.Element
		var err error
		if interaction.Selector != "" {
			el, err = tp.Element(interaction.Selector)
		} else {
			el, err = tp.ElementR(clickableSelector, TextPattern(interaction.Text))
		}
		if err != nil {
			tp.CancelTimeout()
			return fmt.Errorf("找不到可点击元素 %s: %w", interaction.String(), err)
		}
		// 结束查找时限,点击沿用整页的上下文
		el = el.CancelTimeout()
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("点击失败: %w", err)
		}
		if err := p.WaitIdle(2 * time.Second); err != nil {
			log.Debug().Err(err).Msg("点击后等待空闲超时")
		}
		return nil

	case ActionEval:
		_, err := p.Evaluate(&rod.EvalOptions{JS: "() => { " + interaction.Script + " }"})
		return err

	default:
		return fmt.Errorf("未知交互动作: %s", interaction.Action)
	}
}
