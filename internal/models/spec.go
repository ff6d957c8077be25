package models

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldSpec 单个待提取字段
type FieldSpec struct {
	Name            string   `yaml:"name" json:"name"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	Example         string   `yaml:"example,omitempty" json:"example,omitempty"`
	Required        bool     `yaml:"required" json:"required"`
	ValidationRules []string `yaml:"validation_rules,omitempty" json:"validation_rules,omitempty"`
}

// ExtractionSpec 提取目标: 字段、校验规则与输出形态
// 可以由调用方显式给出,也可以由SpecInferencer推断
type ExtractionSpec struct {
	Fields        []FieldSpec `yaml:"fields" json:"fields"`
	DataStructure string      `yaml:"data_structure,omitempty" json:"data_structure,omitempty"`
	OutputFormat  string      `yaml:"output_format,omitempty" json:"output_format,omitempty"`
	Instructions  string      `yaml:"instructions,omitempty" json:"instructions,omitempty"`
}

// SpecFromFieldList 由逗号分隔的字段列表构造规格,所有字段视为必填
func SpecFromFieldList(list string, instructions string) (*ExtractionSpec, error) {
	spec := &ExtractionSpec{OutputFormat: "csv", Instructions: instructions}
	for _, raw := range strings.Split(list, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		spec.Fields = append(spec.Fields, FieldSpec{Name: name, Required: true})
	}
	if err := spec.Normalize(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Normalize 规范化字段名并校验
func (s *ExtractionSpec) Normalize() error {
	for i := range s.Fields {
		s.Fields[i].Name = NormalizeLabel(s.Fields[i].Name)
	}
	if s.OutputFormat == "" {
		s.OutputFormat = "csv"
	}
	return s.Validate()
}

// Validate 校验规格
func (s *ExtractionSpec) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("提取规格至少需要一个字段")
	}
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("第%d个字段名称为空", i+1)
		}
		if f.Name != NormalizeLabel(f.Name) {
			return fmt.Errorf("字段名称不规范: %q (应为小写下划线形式)", f.Name)
		}
		if f.Name[0] >= '0' && f.Name[0] <= '9' {
			return fmt.Errorf("字段名称不能以数字开头: %q", f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("字段名称重复: %q", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// FieldNames 按顺序返回字段名(即输出CSV的列)
func (s *ExtractionSpec) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// HasField 是否包含字段
func (s *ExtractionSpec) HasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// RequiredFields 返回必填字段
func (s *ExtractionSpec) RequiredFields() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// YAML 序列化为YAML
func (s *ExtractionSpec) YAML() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("序列化提取规格失败: %w", err)
	}
	return data, nil
}

// SaveToFile 以YAML保存
func (s *ExtractionSpec) SaveToFile(path string) error {
	data, err := s.YAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("写入提取规格失败: %w", err)
	}
	return nil
}

// LoadSpecFromFile 从YAML文件加载规格
func LoadSpecFromFile(path string) (*ExtractionSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取提取规格失败: %w", err)
	}
	var spec ExtractionSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("解析提取规格失败: %w", err)
	}
	if err := spec.Normalize(); err != nil {
		return nil, fmt.Errorf("提取规格无效: %w", err)
	}
	return &spec, nil
}
