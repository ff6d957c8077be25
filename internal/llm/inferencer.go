package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/RecoveryAshes/ParseGen/internal/crawlers"
	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/utils"
	"github.com/rs/zerolog/log"
)

// previewLimit 推断规格时页面预览的长度
const previewLimit = 6000

// SpecInferencer 根据目标URL和说明推断提取规格
type SpecInferencer struct {
	completer Completer
	compactor *ContentCompactor
	fetcher   crawlers.Fetcher // 可选,用于抓取页面预览
	model     string
}

// NewSpecInferencer 创建规格推断器,fetcher可以为nil
func NewSpecInferencer(completer Completer, compactor *ContentCompactor, fetcher crawlers.Fetcher, model string) *SpecInferencer {
	return &SpecInferencer{
		completer: completer,
		compactor: compactor,
		fetcher:   fetcher,
		model:     model,
	}
}

type rawField struct {
	FieldName       string          `json:"field_name"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Example         json.RawMessage `json:"example"`
	Required        *bool           `json:"required"`
	ValidationRules []string        `json:"validation_rules"`
}

type rawSpec struct {
	ExtractionFields []rawField `json:"extraction_fields"`
	DataStructure    struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"data_structure"`
	OutputFormat struct {
		Type string `json:"type"`
	} `json:"output_format"`
}

// Infer 推断提取规格
// 输出不合法或没有字段时返回 *models.SpecInferenceError,不做猜测
func (s *SpecInferencer) Infer(ctx context.Context, targetURL, instructions string) (*models.ExtractionSpec, error) {
	data := map[string]any{
		"URL":          targetURL,
		"Instructions": instructions,
	}
	if s.fetcher != nil && s.compactor != nil {
		sample, err := s.fetcher.Fetch(ctx, targetURL, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", targetURL).Msg("⚠️  抓取预览失败,仅根据说明推断规格")
		} else {
			content := s.compactor.Compact(sample.URL, sample.Content)
			data["Title"] = content.Title
			data["Markdown"] = utils.Truncate(content.Markdown, previewLimit)
		}
	}

	prompt, err := renderPrompt(inferTemplate, data)
	if err != nil {
		return nil, err
	}

	raw, err := s.completer.Complete(ctx, ChatRequest{
		Model:          s.model,
		Messages:       chatMessages(prompt),
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, &models.SpecInferenceError{URL: targetURL, Err: fmt.Errorf("调用LLM失败: %w", err)}
	}

	spec, err := parseSpec(raw, instructions)
	if err != nil {
		return nil, &models.SpecInferenceError{URL: targetURL, Err: err}
	}

	log.Info().Str("url", targetURL).Strs("fields", spec.FieldNames()).Msg("📋 已推断提取规格")
	return spec, nil
}

func parseSpec(raw, instructions string) (*models.ExtractionSpec, error) {
	var out rawSpec
	if err := DecodeJSON(raw, &out); err != nil {
		return nil, err
	}

	spec := &models.ExtractionSpec{
		DataStructure: strings.TrimSpace(firstNonEmpty(out.DataStructure.Type, out.DataStructure.Description)),
		OutputFormat:  strings.ToLower(strings.TrimSpace(out.OutputFormat.Type)),
		Instructions:  instructions,
	}
	seen := make(map[string]bool)
	for _, f := range out.ExtractionFields {
		name := models.NormalizeLabel(firstNonEmpty(f.FieldName, f.Name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		required := true
		if f.Required != nil {
			required = *f.Required
		}
		spec.Fields = append(spec.Fields, models.FieldSpec{
			Name:            name,
			Description:     strings.TrimSpace(f.Description),
			Example:         exampleString(f.Example),
			Required:        required,
			ValidationRules: f.ValidationRules,
		})
	}
	if len(spec.Fields) == 0 {
		return nil, errors.New("extraction_fields为空")
	}
	if spec.OutputFormat != "csv" {
		spec.OutputFormat = ""
	}
	if err := spec.Normalize(); err != nil {
		return nil, err
	}
	return spec, nil
}

// exampleString 模型有时给出数字或数组作为示例
func exampleString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
