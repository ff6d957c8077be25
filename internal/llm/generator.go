package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/synth"
	"github.com/rs/zerolog/log"
)

// GeneratorOptions 代码生成选项
type GeneratorOptions struct {
	Model       string // 首次生成使用的模型
	RepairModel string // 修复使用的模型,为空时与Model相同
}

// CodeGenerator 让LLM编写选择器配方,实现 synth.Generator
type CodeGenerator struct {
	completer Completer
	compactor *ContentCompactor
	options   GeneratorOptions
}

var _ synth.Generator = (*CodeGenerator)(nil)

// NewCodeGenerator 创建代码生成器
func NewCodeGenerator(completer Completer, compactor *ContentCompactor, options GeneratorOptions) *CodeGenerator {
	if options.RepairModel == "" {
		options.RepairModel = options.Model
	}
	return &CodeGenerator{completer: completer, compactor: compactor, options: options}
}

// Generate 首次生成
func (g *CodeGenerator) Generate(ctx context.Context, req synth.GenerateRequest) (string, error) {
	skeleton, truncated := g.compactor.Skeleton(req.Sample.Content)
	prompt, err := renderPrompt(generateTemplate, map[string]any{
		"PageType":     req.PageType,
		"URL":          req.Sample.URL,
		"Fields":       req.Spec.Fields,
		"Instructions": req.Spec.Instructions,
		"Skeleton":     skeleton,
		"Truncated":    truncated,
	})
	if err != nil {
		return "", err
	}
	return g.complete(ctx, g.options.Model, prompt, req.Spec)
}

// Repair 带着错误信息修复上一次的配方
func (g *CodeGenerator) Repair(ctx context.Context, req synth.RepairRequest) (string, error) {
	skeleton, truncated := g.compactor.Skeleton(req.Sample.Content)
	previous := req.PreviousSource
	if strings.TrimSpace(previous) == "" {
		previous = "(empty)"
	}
	prompt, err := renderPrompt(repairTemplate, map[string]any{
		"PageType":       req.PageType,
		"Error":          req.Error,
		"PreviousSource": previous,
		"Attempt":        req.Attempt,
		"MaxAttempts":    models.MaxSynthesisAttempts,
		"Fields":         req.Spec.Fields,
		"Skeleton":       skeleton,
		"Truncated":      truncated,
	})
	if err != nil {
		return "", err
	}
	log.Debug().Str("page_type", req.PageType).Int("attempt", req.Attempt).Str("model", g.options.RepairModel).Msg("🔧 请求修复提取例程")
	return g.complete(ctx, g.options.RepairModel, prompt, req.Spec)
}

// complete 调用模型并尽量返回规范化的配方
// 配方不合法时原样返回,由Evaluator给出具体错误以便下一轮修复
func (g *CodeGenerator) complete(ctx context.Context, model, prompt string, spec *models.ExtractionSpec) (string, error) {
	raw, err := g.completer.Complete(ctx, ChatRequest{
		Model:          model,
		Messages:       chatMessages(prompt),
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("调用LLM生成代码失败: %w", err)
	}

	source, err := ExtractJSON(raw)
	if err != nil {
		return strings.TrimSpace(StripCodeFences(raw)), nil
	}
	if recipe, err := synth.ParseRecipe(source, spec); err == nil {
		return recipe.Source(), nil
	}
	return source, nil
}
