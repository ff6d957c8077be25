package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/synth"
)

func TestSpecInferencer(t *testing.T) {
	completer := &mockCompleter{responses: []string{`{
  "extraction_fields": [
    {"field_name": "Product Name", "description": "商品名称", "example": "Widget", "required": true},
    {"field_name": "price", "example": 12.5, "validation_rules": ["numeric"]},
    {"field_name": "rating", "required": false},
    {"field_name": "product_name", "description": "重复字段"}
  ],
  "data_structure": {"type": "list"},
  "output_format": {"type": "CSV"}
}`}}

	inferencer := NewSpecInferencer(completer, nil, nil, "gpt-4.1-mini")
	spec, err := inferencer.Infer(context.Background(), "https://shop.example.com", "只要商品信息")
	if err != nil {
		t.Fatalf("推断失败: %v", err)
	}

	if got := strings.Join(spec.FieldNames(), ","); got != "product_name,price,rating" {
		t.Errorf("字段 = %s", got)
	}
	if spec.Fields[1].Example != "12.5" || !spec.Fields[1].Required {
		t.Errorf("price字段 = %+v", spec.Fields[1])
	}
	if spec.Fields[2].Required {
		t.Error("rating应为可选字段")
	}
	if spec.OutputFormat != "csv" || spec.DataStructure != "list" || spec.Instructions != "只要商品信息" {
		t.Errorf("规格属性不正确: %+v", spec)
	}
	if completer.requests[0].Model != "gpt-4.1-mini" {
		t.Errorf("model = %q", completer.requests[0].Model)
	}
	if !strings.Contains(completer.lastPrompt(), "只要商品信息") {
		t.Error("提示词应包含用户说明")
	}
}

func TestSpecInferencerMalformed(t *testing.T) {
	tests := []struct {
		name      string
		completer *mockCompleter
	}{
		{"不是JSON", &mockCompleter{responses: []string{"fields: name, price"}}},
		{"没有字段", &mockCompleter{responses: []string{`{"extraction_fields": []}`}}},
		{"字段名为空", &mockCompleter{responses: []string{`{"extraction_fields": [{"field_name": "  "}]}`}}},
		{"调用失败", &mockCompleter{err: errors.New("timeout")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSpecInferencer(tt.completer, nil, nil, "").Infer(context.Background(), "https://shop.example.com", "")
			var specErr *models.SpecInferenceError
			if !errors.As(err, &specErr) {
				t.Fatalf("期望 SpecInferenceError, 实际 %v", err)
			}
			if !models.IsFatal(err) {
				t.Error("规格推断失败应终止流水线")
			}
		})
	}
}

func TestCodeGenerator(t *testing.T) {
	spec := &models.ExtractionSpec{Fields: []models.FieldSpec{{Name: "name", Required: true}}}
	sample := models.NewPageSample("https://shop.example.com/p/1", `<html><body><h1 class="title">Widget</h1><script>x()</script></body></html>`, 1, "", models.FetchModeStatic)

	completer := &mockCompleter{responses: []string{
		"```json\n{\"item_selector\": \"\", \"fields\": {\"Name\": {\"selector\": \"h1.title\", \"attr\": \"text\"}}}\n```",
		`Sure! {"fields": {"nope": {}}}`,
	}}
	gen := NewCodeGenerator(completer, NewContentCompactor(0, 0), GeneratorOptions{Model: "small", RepairModel: "large"})

	req := synth.GenerateRequest{PageType: "product_detail", Sample: sample, Spec: spec}
	source, err := gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	recipe, err := synth.ParseRecipe(source, spec)
	if err != nil {
		t.Fatalf("生成的配方无效: %v", err)
	}
	if source != recipe.Source() {
		t.Errorf("应返回规范化的配方:\n%s", source)
	}
	prompt := completer.lastPrompt()
	if !strings.Contains(prompt, `class="title"`) || strings.Contains(prompt, "x()") {
		t.Errorf("提示词应包含页面结构且去掉脚本:\n%s", prompt)
	}
	if completer.requests[0].Model != "small" {
		t.Errorf("首次生成 model = %q", completer.requests[0].Model)
	}

	source, err = gen.Repair(context.Background(), synth.RepairRequest{
		GenerateRequest: req,
		PreviousSource:  source,
		Error:           "没有提取到任何记录",
		Attempt:         2,
	})
	if err != nil {
		t.Fatalf("修复失败: %v", err)
	}
	if source != `{"fields": {"nope": {}}}` {
		t.Errorf("无效配方应原样返回, 实际 %q", source)
	}
	if completer.requests[1].Model != "large" {
		t.Errorf("修复 model = %q, 期望 large", completer.requests[1].Model)
	}
	prompt = completer.lastPrompt()
	for _, s := range []string{"Attempt: 2/4", "没有提取到任何记录", "h1.title"} {
		if !strings.Contains(prompt, s) {
			t.Errorf("修复提示词应包含 %q", s)
		}
	}
}
