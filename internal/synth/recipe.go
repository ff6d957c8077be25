package synth

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/andybalholm/cascadia"
)

// FieldRule 单个字段的提取规则
type FieldRule struct {
	Selector string `json:"selector,omitempty"` // 相对于item的CSS选择器,为空时取item本身
	Attr     string `json:"attr,omitempty"`     // text(默认) | html | 属性名
	Pattern  string `json:"pattern,omitempty"`  // 可选正则,保留第一个捕获组
}

// Recipe 选择器配方,即一个页面类型的提取例程
type Recipe struct {
	ItemSelector string               `json:"item_selector"` // 为空表示整页是一条记录
	Fields       map[string]FieldRule `json:"fields"`

	patterns map[string]*regexp.Regexp
}

// ParseRecipe 解析并校验配方
// 错误信息会原样反馈给修复提示词,所以尽量具体
func ParseRecipe(source string, spec *models.ExtractionSpec) (*Recipe, error) {
	var recipe Recipe
	if err := json.Unmarshal([]byte(source), &recipe); err != nil {
		return nil, fmt.Errorf("配方不是合法JSON: %w", err)
	}
	if err := recipe.compile(spec); err != nil {
		return nil, err
	}
	return &recipe, nil
}

// compile 校验选择器与正则,规范化字段名
func (r *Recipe) compile(spec *models.ExtractionSpec) error {
	if len(r.Fields) == 0 {
		return fmt.Errorf("配方没有任何字段")
	}
	if r.ItemSelector != "" {
		if _, err := cascadia.ParseGroup(r.ItemSelector); err != nil {
			return fmt.Errorf("item_selector %q 无效: %v", r.ItemSelector, err)
		}
	}

	normalized := make(map[string]FieldRule, len(r.Fields))
	r.patterns = make(map[string]*regexp.Regexp)
	for rawName, rule := range r.Fields {
		name := models.NormalizeLabel(rawName)
		if spec != nil && !spec.HasField(name) {
			return fmt.Errorf("字段 %q 不在提取规格中 (可用字段: %s)", rawName, strings.Join(spec.FieldNames(), ", "))
		}
		if rule.Selector != "" {
			if _, err := cascadia.ParseGroup(rule.Selector); err != nil {
				return fmt.Errorf("字段 %s 的选择器 %q 无效: %v", name, rule.Selector, err)
			}
		}
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return fmt.Errorf("字段 %s 的正则 %q 无效: %v", name, rule.Pattern, err)
			}
			r.patterns[name] = re
		}
		rule.Attr = strings.ToLower(strings.TrimSpace(rule.Attr))
		if rule.Attr == "text" {
			rule.Attr = ""
		}
		normalized[name] = rule
	}
	r.Fields = normalized

	if spec != nil {
		var missing []string
		for _, name := range spec.RequiredFields() {
			if _, ok := r.Fields[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("配方缺少必填字段: %s", strings.Join(missing, ", "))
		}
	}
	return nil
}

// FieldNames 排序后的字段名
func (r *Recipe) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source 规范化的JSON表示,同一配方总是得到相同文本
func (r *Recipe) Source() string {
	data, err := json.MarshalIndent(struct {
		ItemSelector string               `json:"item_selector"`
		Fields       map[string]FieldRule `json:"fields"`
	}{r.ItemSelector, r.Fields}, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// Pattern 字段的已编译正则
func (r *Recipe) Pattern(name string) *regexp.Regexp {
	return r.patterns[name]
}
