package synth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/ParseGen/internal/models"
)

// DefaultEvalTimeout 单次配方执行的超时
const DefaultEvalTimeout = 10 * time.Second

var (
	ErrNoRecords   = errors.New("没有提取到任何记录")
	ErrEvalTimeout = errors.New("配方执行超时")
)

// Evaluator 在页面样本上执行例程
type Evaluator interface {
	Evaluate(ctx context.Context, source string, sample *models.PageSample, spec *models.ExtractionSpec) ([]map[string]string, error)
}

// SelectorEvaluator 用goquery执行选择器配方
// 每次执行都重新解析文档,panic与超时都转换为错误
type SelectorEvaluator struct {
	timeout time.Duration
}

// NewSelectorEvaluator 创建配方执行器
func NewSelectorEvaluator(timeout time.Duration) *SelectorEvaluator {
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	return &SelectorEvaluator{timeout: timeout}
}

type evalResult struct {
	records []map[string]string
	err     error
}

// Evaluate 执行配方并检查输出形态
func (e *SelectorEvaluator) Evaluate(ctx context.Context, source string, sample *models.PageSample, spec *models.ExtractionSpec) ([]map[string]string, error) {
	recipe, err := ParseRecipe(source, spec)
	if err != nil {
		return nil, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: fmt.Errorf("配方执行panic: %v", r)}
			}
		}()
		records, err := runRecipe(recipe, sample)
		done <- evalResult{records: records, err: err}
	}()

	select {
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w (%v)", ErrEvalTimeout, e.timeout)
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if err := CheckShape(res.records, spec); err != nil {
			return res.records, err
		}
		return res.records, nil
	}
}

func runRecipe(recipe *Recipe, sample *models.PageSample) ([]map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(sample.Content))
	if err != nil {
		return nil, fmt.Errorf("解析页面HTML失败: %w", err)
	}
	base, _ := url.Parse(sample.URL)
	return ApplyRecipe(recipe, doc, base), nil
}

// ApplyRecipe 在文档上执行配方,全部字段为空的记录被丢弃
func ApplyRecipe(recipe *Recipe, doc *goquery.Document, base *url.URL) []map[string]string {
	var items *goquery.Selection
	if recipe.ItemSelector == "" {
		items = doc.Selection
	} else {
		items = doc.Find(recipe.ItemSelector)
	}

	names := recipe.FieldNames()
	records := make([]map[string]string, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		record := make(map[string]string, len(names))
		empty := true
		for _, name := range names {
			value := extractField(item, recipe.Fields[name], recipe.Pattern(name), base)
			record[name] = value
			if value != "" {
				empty = false
			}
		}
		if !empty {
			records = append(records, record)
		}
	})
	return records
}

func extractField(item *goquery.Selection, rule FieldRule, pattern *regexp.Regexp, base *url.URL) string {
	sel := item
	if rule.Selector != "" {
		sel = item.Find(rule.Selector)
	}
	sel = sel.First()
	if sel.Length() == 0 {
		return ""
	}

	var value string
	switch rule.Attr {
	case "":
		value = strings.Join(strings.Fields(sel.Text()), " ")
	case "html":
		value, _ = sel.Html()
		value = strings.TrimSpace(value)
	default:
		value = strings.TrimSpace(sel.AttrOr(rule.Attr, ""))
		if value != "" && base != nil && (rule.Attr == "href" || rule.Attr == "src") {
			if ref, err := url.Parse(value); err == nil {
				value = base.ResolveReference(ref).String()
			}
		}
	}

	if pattern != nil && value != "" {
		m := pattern.FindStringSubmatch(value)
		switch {
		case m == nil:
			value = ""
		case len(m) > 1:
			value = strings.TrimSpace(m[1])
		default:
			value = strings.TrimSpace(m[0])
		}
	}
	return value
}

// CheckShape 检查输出是否符合提取规格
//   - 至少一条记录
//   - 键都是规格中的字段
//   - 每个必填字段至少在一条记录中非空
func CheckShape(records []map[string]string, spec *models.ExtractionSpec) error {
	if len(records) == 0 {
		return ErrNoRecords
	}

	filled := make(map[string]bool)
	for _, record := range records {
		for key, value := range record {
			if !spec.HasField(key) {
				return fmt.Errorf("输出包含未知字段: %s", key)
			}
			if value != "" {
				filled[key] = true
			}
		}
	}
	if len(filled) == 0 {
		return fmt.Errorf("%d条记录的所有字段都为空", len(records))
	}

	var empty []string
	for _, name := range spec.RequiredFields() {
		if !filled[name] {
			empty = append(empty, name)
		}
	}
	if len(empty) > 0 {
		return fmt.Errorf("必填字段在所有记录中都为空: %s (共%d条记录)", strings.Join(empty, ", "), len(records))
	}
	return nil
}
