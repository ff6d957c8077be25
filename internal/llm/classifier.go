package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/RecoveryAshes/ParseGen/internal/crawlers"
	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/utils"
	"github.com/rs/zerolog/log"
)

// maxPromptLinks 提示词中最多列出的链接数
const maxPromptLinks = 150

// PageContext 分类时需要的运行上下文
type PageContext struct {
	VisitedTypes []string // 已经出现过的页面类型
	ParentType   string   // 来源页的类型,起始页为空
	Pagination   string   // 翻页说明,非空时要求模型把翻页链接列为候选
}

// ClassifierOptions 分类器选项
type ClassifierOptions struct {
	Model          string
	Instructions   string
	SameDomainOnly bool
	// FallbackLinks 模型没有给出候选链接时,从页面链接中补充的数量,0表示不补充
	FallbackLinks int
}

// Classifier 基于LLM的页面分类器
type Classifier struct {
	completer Completer
	compactor *ContentCompactor
	spec      *models.ExtractionSpec
	options   ClassifierOptions
}

// NewClassifier 创建页面分类器
func NewClassifier(completer Completer, compactor *ContentCompactor, spec *models.ExtractionSpec, options ClassifierOptions) *Classifier {
	return &Classifier{
		completer: completer,
		compactor: compactor,
		spec:      spec,
		options:   options,
	}
}

type rawCandidate struct {
	URL            string          `json:"url"`
	Label          string          `json:"label"`
	PageType       string          `json:"page_type"`
	RelevanceScore json.RawMessage `json:"relevance_score"`
	Why            string          `json:"why"`
	Pagination     bool            `json:"pagination"`
}

type rawUsefulness struct {
	SkipProcessing bool   `json:"skip_processing"`
	SkipReason     string `json:"skip_reason"`
}

type rawClassification struct {
	PageType        string          `json:"page_type"`
	RelevanceScore  json.RawMessage `json:"relevance_score"`
	AvailableFields []string        `json:"available_fields"`
	Summary         string          `json:"summary"`
	Summery         string          `json:"summery"`
	SkipProcessing  bool            `json:"skip_processing"`
	SkipReason      string          `json:"skip_reason"`
	Usefulness      *rawUsefulness  `json:"page_usefulness_assessment"`
	NextPages       []rawCandidate  `json:"next_pages_to_visit"`
}

// Classify 对页面分类、打分并给出候选跳转链接
// 模型输出不合法时返回 *models.ClassificationError
func (c *Classifier) Classify(ctx context.Context, sample *models.PageSample, pageCtx PageContext) (*models.PageClassification, error) {
	extractor := crawlers.NewLinkExtractor(sample.URL, c.options.SameDomainOnly)
	links, err := extractor.ExtractLinks(sample.Content, sample.URL)
	if err != nil {
		log.Warn().Err(err).Str("url", sample.URL).Msg("提取页面链接失败")
	}

	content := c.compactor.Compact(sample.URL, sample.Content)
	promptLinks := links
	if len(promptLinks) > maxPromptLinks {
		promptLinks = promptLinks[:maxPromptLinks]
	}

	prompt, err := renderPrompt(classifyTemplate, map[string]any{
		"URL":          sample.URL,
		"Fields":       c.spec.Fields,
		"Instructions": c.options.Instructions,
		"VisitedTypes": pageCtx.VisitedTypes,
		"ParentType":   pageCtx.ParentType,
		"Title":        content.Title,
		"Language":     content.Language,
		"Markdown":     content.Markdown,
		"Truncated":    content.Truncated,
		"Links":        promptLinks,
		"Pagination":   pageCtx.Pagination,
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.completer.Complete(ctx, ChatRequest{
		Model:          c.options.Model,
		Messages:       chatMessages(prompt),
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("调用LLM分类失败: %w", err)
	}

	classification, err := c.parse(sample, raw, links)
	if err != nil {
		return nil, &models.ClassificationError{URL: sample.URL, Raw: utils.Truncate(raw, 2000), Err: err}
	}

	log.Debug().
		Str("url", sample.URL).
		Str("page_type", classification.PageType).
		Float64("score", classification.RelevanceScore).
		Int("candidates", len(classification.NavigationCandidates)).
		Msg("页面分类完成")
	return classification, nil
}

// parse 解析并规范化模型输出
func (c *Classifier) parse(sample *models.PageSample, raw string, links []crawlers.Link) (*models.PageClassification, error) {
	var out rawClassification
	if err := DecodeJSON(raw, &out); err != nil {
		return nil, err
	}

	pageType := models.NormalizeLabel(out.PageType)
	if pageType == "" {
		return nil, errors.New("缺少page_type")
	}

	score, ok := parseScore(out.RelevanceScore)
	if !ok {
		return nil, fmt.Errorf("relevance_score不是数字: %s", string(out.RelevanceScore))
	}

	result := &models.PageClassification{
		PageType:        pageType,
		RelevanceScore:  models.ClampScore(score),
		AvailableFields: c.knownFields(out.AvailableFields),
		Summary:         firstNonEmpty(out.Summary, out.Summery),
		Skip:            out.SkipProcessing,
		SkipReason:      out.SkipReason,
	}
	if out.Usefulness != nil && out.Usefulness.SkipProcessing {
		result.Skip = true
		result.SkipReason = firstNonEmpty(result.SkipReason, out.Usefulness.SkipReason)
	}

	// 候选与页面链接使用同一个解析基准(<base href>)
	base, err := crawlers.DocumentBase(sample.Content, sample.URL)
	if err != nil {
		return nil, fmt.Errorf("解析页面URL失败: %w", err)
	}
	result.NavigationCandidates = c.resolveCandidates(sample.URL, base, out.NextPages, links)
	if len(result.NavigationCandidates) == 0 && !result.Skip && c.options.FallbackLinks > 0 {
		result.NavigationCandidates = fallbackCandidates(sample.URL, links, c.options.FallbackLinks)
	}
	return result, nil
}

// knownFields 只保留规格中存在的字段,按规格顺序
func (c *Classifier) knownFields(fields []string) []string {
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[models.NormalizeLabel(f)] = true
	}
	var known []string
	for _, name := range c.spec.FieldNames() {
		if present[name] {
			known = append(known, name)
		}
	}
	return known
}

// resolveCandidates 转换为绝对URL、去重,并丢弃页面中不存在的链接
func (c *Classifier) resolveCandidates(pageURL string, base *url.URL, candidates []rawCandidate, links []crawlers.Link) []models.NavigationCandidate {
	self, _ := models.NormalizeURL(pageURL)

	onPage := make(map[string]bool, len(links))
	for _, link := range links {
		onPage[link.URL] = true
	}

	seen := make(map[string]bool)
	var resolved []models.NavigationCandidate
	for _, cand := range candidates {
		ref, err := url.Parse(strings.TrimSpace(cand.URL))
		if err != nil || cand.URL == "" {
			continue
		}
		normalized, err := models.NormalizeURL(base.ResolveReference(ref).String())
		if err != nil || normalized == self || seen[normalized] {
			continue
		}
		if len(onPage) > 0 && !onPage[normalized] {
			log.Debug().Str("url", normalized).Msg("丢弃页面中不存在的候选链接")
			continue
		}
		seen[normalized] = true

		score := -1.0
		if s, ok := parseScore(cand.RelevanceScore); ok {
			score = models.ClampScore(s)
		}
		resolved = append(resolved, models.NavigationCandidate{
			URL:            normalized,
			Label:          strings.TrimSpace(cand.Label),
			PageType:       models.NormalizeLabel(cand.PageType),
			RelevanceScore: score,
			Reason:         strings.TrimSpace(cand.Why),
			Pagination:     cand.Pagination,
		})
	}
	return resolved
}

// fallbackCandidates 模型未给出候选时取页面上的前n个链接,分数继承来源页
func fallbackCandidates(pageURL string, links []crawlers.Link, n int) []models.NavigationCandidate {
	self, _ := models.NormalizeURL(pageURL)
	var candidates []models.NavigationCandidate
	for _, link := range links {
		if len(candidates) >= n {
			break
		}
		if link.URL == self {
			continue
		}
		candidates = append(candidates, models.NavigationCandidate{
			URL:            link.URL,
			Label:          link.Text,
			RelevanceScore: -1,
			Reason:         "页面链接补充",
		})
	}
	return candidates
}

// parseScore 只接受JSON数字
func parseScore(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var score float64
	if err := json.Unmarshal(raw, &score); err != nil {
		return 0, false
	}
	return score, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
