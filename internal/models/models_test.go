package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"有效的HTTP URL", "http://example.com", false},
		{"有效的HTTPS URL", "https://example.com", false},
		{"带路径的URL", "https://example.com/path/to/resource", false},
		{"无效的协议", "ftp://example.com", true},
		{"无效的URL", "not a url", true},
		{"空URL", "", true},
		{"无协议", "example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *RunConfig)
		wantErr bool
	}{
		{"默认配置", func(c *RunConfig) {}, false},
		{"max_pages为0", func(c *RunConfig) { c.MaxPages = 0 }, true},
		{"阈值小于0", func(c *RunConfig) { c.RelevanceThreshold = -0.1 }, true},
		{"阈值为1", func(c *RunConfig) { c.RelevanceThreshold = 1 }, false},
		{"深度过大", func(c *RunConfig) { c.MaxDepth = 11 }, true},
		{"worker为0", func(c *RunConfig) { c.Workers = 0 }, true},
		{"未知抓取模式", func(c *RunConfig) { c.FetchMode = "dynamic" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultRunConfig()
			tt.modify(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRun(t *testing.T) {
	run, err := NewRun("https://www.shop.example.com/catalog", DefaultRunConfig())
	if err != nil {
		t.Fatalf("NewRun() error = %v", err)
	}
	if run.ID == "" {
		t.Error("运行ID不应为空")
	}
	if run.Domain != "www.shop.example.com" {
		t.Errorf("Domain = %s", run.Domain)
	}
	if run.State != StateInit || run.State.IsTerminal() {
		t.Errorf("初始状态 = %s", run.State)
	}

	data, err := run.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}
	var decoded Run
	if err := json.Unmarshal(data, &decoded); err != nil || decoded.ID != run.ID {
		t.Errorf("JSON反序列化失败: %v", err)
	}

	if _, err := NewRun("shop.example.com", DefaultRunConfig()); err == nil {
		t.Error("无协议URL应返回错误")
	}
}

func TestExtractionRoutine_Advance(t *testing.T) {
	tests := []struct {
		name       string
		failures   int // 通过之前的失败次数, -1 表示一直失败
		wantStatus RoutineStatus
		wantCount  int
	}{
		{"首次通过", 0, StatusPassing, 1},
		{"修复一次后通过", 1, StatusPassing, 2},
		{"最后一次通过", 3, StatusPassing, 4},
		{"全部失败", -1, StatusAbandoned, MaxSynthesisAttempts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewExtractionRoutine("product_detail", "https://shop.example.com/p/1")
			if r.Status != StatusUntested {
				t.Fatalf("初始状态 = %s", r.Status)
			}
			for i := 0; !r.Status.IsTerminal(); i++ {
				var evalErr error
				if tt.failures < 0 || i < tt.failures {
					evalErr = fmt.Errorf("第%d次失败", i+1)
				}
				if err := r.Advance(fmt.Sprintf("source-%d", i+1), 1, evalErr); err != nil {
					t.Fatalf("Advance() error = %v", err)
				}
				if !r.Status.IsTerminal() && !r.CanRetry() {
					t.Fatal("失败且未达上限时应可以重试")
				}
			}
			if r.Status != tt.wantStatus || r.AttemptCount != tt.wantCount || len(r.History) != tt.wantCount {
				t.Errorf("Status=%s AttemptCount=%d History=%d", r.Status, r.AttemptCount, len(r.History))
			}
			if r.Status == StatusPassing && r.LastError != "" {
				t.Errorf("通过后LastError应为空: %s", r.LastError)
			}

			// 终态之后不再迁移
			if err := r.Advance("again", 1, nil); !errors.Is(err, ErrRoutineTerminal) {
				t.Errorf("期望 ErrRoutineTerminal, 实际 %v", err)
			}
		})
	}
}

func TestSpecFromFieldList(t *testing.T) {
	spec, err := SpecFromFieldList(" Title, Price ,, Product URL ", "商品")
	if err != nil {
		t.Fatalf("SpecFromFieldList() error = %v", err)
	}
	if got := strings.Join(spec.FieldNames(), ","); got != "title,price,product_url" {
		t.Errorf("FieldNames = %s", got)
	}
	if len(spec.RequiredFields()) != 3 || spec.OutputFormat != "csv" || spec.Instructions != "商品" {
		t.Errorf("spec = %+v", spec)
	}

	tests := []struct {
		name string
		list string
	}{
		{"空列表", " , "},
		{"重复字段", "title,Title"},
		{"数字开头", "title,1st_price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := SpecFromFieldList(tt.list, ""); err == nil {
				t.Error("期望返回错误")
			}
		})
	}
}

func TestExtractionSpec_FileRoundTrip(t *testing.T) {
	spec := &ExtractionSpec{
		Fields: []FieldSpec{
			{Name: "title", Required: true, Description: "商品名称", Example: "Widget"},
			{Name: "price", ValidationRules: []string{"numeric"}},
		},
		DataStructure: "list",
	}
	if err := spec.Normalize(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "spec.yaml")
	if err := spec.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	loaded, err := LoadSpecFromFile(path)
	if err != nil {
		t.Fatalf("LoadSpecFromFile() error = %v", err)
	}
	if len(loaded.Fields) != 2 || !loaded.Fields[0].Required || loaded.Fields[1].Required {
		t.Errorf("字段不一致: %+v", loaded.Fields)
	}
	if loaded.Fields[1].ValidationRules[0] != "numeric" || loaded.OutputFormat != "csv" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"去掉fragment", "https://shop.example.com/p/1#reviews", "https://shop.example.com/p/1", false},
		{"去掉末尾斜杠", "https://shop.example.com/catalog/", "https://shop.example.com/catalog", false},
		{"根路径", "https://shop.example.com/", "https://shop.example.com", false},
		{"主机名小写", "https://Shop.Example.COM/p/1", "https://shop.example.com/p/1", false},
		{"保留查询参数", "https://shop.example.com/search?q=a", "https://shop.example.com/search?q=a", false},
		{"javascript链接", "javascript:void(0)", "", true},
		{"相对路径", "/p/1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, 期望 %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLabelsAndScores(t *testing.T) {
	labels := map[string]string{
		"Product Detail":   "product_detail",
		"  search-results": "search_results",
		"__listing__":      "listing",
	}
	for in, want := range labels {
		if got := NormalizeLabel(in); got != want {
			t.Errorf("NormalizeLabel(%q) = %q, 期望 %q", in, got, want)
		}
	}

	if ClampScore(-0.5) != 0 || ClampScore(1.7) != 1 || ClampScore(0.42) != 0.42 {
		t.Error("ClampScore 结果不正确")
	}

	if !SameHost("https://www.shop.example.com/a", "https://shop.example.com/b") {
		t.Error("忽略www后应为同一主机")
	}
	if SameHost("https://shop.example.com", "https://blog.example.com") {
		t.Error("不同子域名不应视为同一主机")
	}
}

func TestCliHeaders_Parse(t *testing.T) {
	headers, err := CliHeaders{"X-Token: abc:def", "Accept:  text/html "}.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if headers.Get("X-Token") != "abc:def" || headers.Get("Accept") != "text/html" {
		t.Errorf("headers = %v", headers)
	}

	for _, bad := range []string{"NoColon", ": value"} {
		if _, err := (CliHeaders{bad}).Parse(); err == nil {
			t.Errorf("%q 应解析失败", bad)
		}
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"聚合失败", &AggregationError{}, true},
		{"包装后的推断失败", fmt.Errorf("运行失败: %w", &SpecInferenceError{URL: "https://a.example.com", Err: errors.New("x")}), true},
		{"抓取失败", NewFetchError("https://a.example.com", FetchTimeout, errors.New("timeout")), false},
		{"合成失败", &SynthesisFailure{PageType: "detail", Attempts: 4}, false},
		{"分类失败", &ClassificationError{URL: "https://a.example.com", Err: errors.New("bad json")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, 期望 %v", got, tt.fatal)
			}
		})
	}

	aggErr := &AggregationError{Skipped: []SkippedPageType{{PageType: "a"}, {PageType: "b"}}}
	if !strings.Contains(aggErr.Error(), "a, b") {
		t.Errorf("AggregationError = %s", aggErr.Error())
	}
}
