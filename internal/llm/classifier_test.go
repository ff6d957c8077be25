package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/RecoveryAshes/ParseGen/internal/models"
)

// mockCompleter 按顺序返回预设回复,并记录收到的请求
type mockCompleter struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []ChatRequest
}

func (m *mockCompleter) Complete(_ context.Context, req ChatRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", ErrEmptyResponse
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func (m *mockCompleter) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return ""
	}
	msgs := m.requests[len(m.requests)-1].Messages
	return msgs[len(msgs)-1].Content
}

const shopListHTML = `<html><head><title>Shop</title></head><body>
<h1>All products</h1>
<ul>
  <li><a href="/p/1">Widget One</a></li>
  <li><a href="/p/2">Widget Two</a></li>
</ul>
<a href="/about">About us</a>
<a href="/list?page=2">Next</a>
</body></html>`

func listSample() *models.PageSample {
	return models.NewPageSample("https://shop.example.com/list", shopListHTML, 0, "", models.FetchModeStatic)
}

func classifierSpec() *models.ExtractionSpec {
	return &models.ExtractionSpec{Fields: []models.FieldSpec{
		{Name: "name", Required: true},
		{Name: "price", Required: true},
	}}
}

func newTestClassifier(completer Completer, opts ClassifierOptions) *Classifier {
	return NewClassifier(completer, NewContentCompactor(0, 0), classifierSpec(), opts)
}

func TestClassifyNormalizes(t *testing.T) {
	completer := &mockCompleter{responses: []string{"```json\n" + `{
  "page_type": "Product Listing",
  "relevance_score": 1.4,
  "available_fields": ["Name", "color"],
  "summery": "商品列表",
  "next_pages_to_visit": [
    {"url": "/p/1", "label": "Widget One", "page_type": "Product Detail", "relevance_score": 0.9, "why": "详情页"},
    {"url": "https://shop.example.com/p/1#reviews", "page_type": "product_detail", "relevance_score": 0.8},
    {"url": "https://shop.example.com/invented", "page_type": "ghost", "relevance_score": 1},
    {"url": "https://shop.example.com/list/", "page_type": "listing", "relevance_score": 1},
    {"url": "/about", "page_type": "about", "relevance_score": null}
  ]
}` + "\n```"}}

	c := newTestClassifier(completer, ClassifierOptions{Model: "m"})
	result, err := c.Classify(context.Background(), listSample(), PageContext{VisitedTypes: []string{"home"}})
	if err != nil {
		t.Fatalf("分类失败: %v", err)
	}

	if result.PageType != "product_listing" {
		t.Errorf("page_type = %q", result.PageType)
	}
	if result.RelevanceScore != 1 {
		t.Errorf("分数应截断为1, 实际 %v", result.RelevanceScore)
	}
	if len(result.AvailableFields) != 1 || result.AvailableFields[0] != "name" {
		t.Errorf("available_fields = %v, 期望 [name]", result.AvailableFields)
	}
	if result.Summary != "商品列表" {
		t.Errorf("summary = %q", result.Summary)
	}

	want := []models.NavigationCandidate{
		{URL: "https://shop.example.com/p/1", Label: "Widget One", PageType: "product_detail", RelevanceScore: 0.9, Reason: "详情页"},
		{URL: "https://shop.example.com/about", PageType: "about", RelevanceScore: -1},
	}
	if len(result.NavigationCandidates) != len(want) {
		t.Fatalf("候选数 = %d, 期望 %d: %+v", len(result.NavigationCandidates), len(want), result.NavigationCandidates)
	}
	for i := range want {
		if result.NavigationCandidates[i] != want[i] {
			t.Errorf("候选%d = %+v, 期望 %+v", i, result.NavigationCandidates[i], want[i])
		}
	}
	if result.NavigationCandidates[1].HasScore() {
		t.Error("null分数的候选不应有分数")
	}

	prompt := completer.lastPrompt()
	for _, s := range []string{"https://shop.example.com/p/2", "Already visited page types: home", "- name"} {
		if !strings.Contains(prompt, s) {
			t.Errorf("提示词应包含 %q", s)
		}
	}
}

func TestClassifyMalformed(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"不是JSON", "I think this is a product page."},
		{"缺少page_type", `{"relevance_score": 0.5}`},
		{"分数是字符串", `{"page_type": "detail", "relevance_score": "high"}`},
		{"分数为null", `{"page_type": "detail", "relevance_score": null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(&mockCompleter{responses: []string{tt.response}}, ClassifierOptions{})
			_, err := c.Classify(context.Background(), listSample(), PageContext{})
			var classErr *models.ClassificationError
			if !errors.As(err, &classErr) {
				t.Fatalf("期望 ClassificationError, 实际 %v", err)
			}
			if classErr.URL != "https://shop.example.com/list" || classErr.Raw == "" {
				t.Errorf("错误信息不完整: %+v", classErr)
			}
		})
	}
}

func TestClassifySkip(t *testing.T) {
	completer := &mockCompleter{responses: []string{`{
  "page_type": "login",
  "relevance_score": 0.1,
  "page_usefulness_assessment": {"skip_processing": true, "skip_reason": "登录页"},
  "next_pages_to_visit": []
}`}}
	c := newTestClassifier(completer, ClassifierOptions{FallbackLinks: 3})
	result, err := c.Classify(context.Background(), listSample(), PageContext{})
	if err != nil {
		t.Fatalf("分类失败: %v", err)
	}
	if !result.Skip || result.SkipReason != "登录页" {
		t.Errorf("skip = %v, reason = %q", result.Skip, result.SkipReason)
	}
	if len(result.NavigationCandidates) != 0 {
		t.Errorf("跳过的页面不应补充候选链接")
	}
}

func TestClassifyFallbackLinks(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"未开启", 0, 0},
		{"补充两个", 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := &mockCompleter{responses: []string{`{"page_type": "home", "relevance_score": 0.7}`}}
			c := newTestClassifier(completer, ClassifierOptions{FallbackLinks: tt.limit})
			result, err := c.Classify(context.Background(), listSample(), PageContext{})
			if err != nil {
				t.Fatalf("分类失败: %v", err)
			}
			if len(result.NavigationCandidates) != tt.want {
				t.Fatalf("候选数 = %d, 期望 %d", len(result.NavigationCandidates), tt.want)
			}
			for _, cand := range result.NavigationCandidates {
				if cand.HasScore() {
					t.Errorf("补充的候选应继承来源页分数: %+v", cand)
				}
			}
		})
	}
}

func TestClassifyCompleterError(t *testing.T) {
	c := newTestClassifier(&mockCompleter{err: errors.New("boom")}, ClassifierOptions{})
	_, err := c.Classify(context.Background(), listSample(), PageContext{})
	var classErr *models.ClassificationError
	if err == nil || errors.As(err, &classErr) {
		t.Errorf("调用失败不应视为输出格式错误: %v", err)
	}
}

func TestClassifyResolvesAgainstBaseHref(t *testing.T) {
	html := `<html><head><base href="https://shop.example.com/catalog/"></head><body>
<a href="item/7">Widget Seven</a>
</body></html>`
	sample := models.NewPageSample("https://shop.example.com/list", html, 0, "", models.FetchModeBrowser)
	completer := &mockCompleter{responses: []string{`{
  "page_type": "listing",
  "relevance_score": 0.9,
  "next_pages_to_visit": [{"url": "item/7", "page_type": "detail", "relevance_score": 0.9}]
}`}}

	result, err := newTestClassifier(completer, ClassifierOptions{}).Classify(context.Background(), sample, PageContext{})
	if err != nil {
		t.Fatalf("分类失败: %v", err)
	}
	if len(result.NavigationCandidates) != 1 || result.NavigationCandidates[0].URL != "https://shop.example.com/catalog/item/7" {
		t.Errorf("相对候选应按base href解析: %+v", result.NavigationCandidates)
	}
}

func TestClassifyPagination(t *testing.T) {
	tests := []struct {
		name       string
		pagination string
		wantHint   bool
	}{
		{"未指定翻页", "", false},
		{"指定翻页", "下一页按钮在列表底部", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := &mockCompleter{responses: []string{`{
  "page_type": "product_listing",
  "relevance_score": 0.9,
  "next_pages_to_visit": [
    {"url": "/list?page=2", "page_type": "product_listing", "relevance_score": 0.8, "pagination": true},
    {"url": "/p/1", "page_type": "product_detail", "relevance_score": 0.9}
  ]
}`}}
			c := newTestClassifier(completer, ClassifierOptions{})
			result, err := c.Classify(context.Background(), listSample(), PageContext{Pagination: tt.pagination})
			if err != nil {
				t.Fatalf("分类失败: %v", err)
			}
			if len(result.NavigationCandidates) != 2 || !result.NavigationCandidates[0].Pagination || result.NavigationCandidates[1].Pagination {
				t.Errorf("翻页标记不正确: %+v", result.NavigationCandidates)
			}

			prompt := completer.lastPrompt()
			if got := strings.Contains(prompt, "下一页按钮在列表底部"); got != tt.wantHint {
				t.Errorf("提示词包含翻页说明 = %v, 期望 %v", got, tt.wantHint)
			}
		})
	}
}
