package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// FetchMode 页面抓取方式
type FetchMode string

const (
	FetchModeBrowser FetchMode = "browser" // go-rod渲染
	FetchModeStatic  FetchMode = "static"  // colly静态抓取
	FetchModeAuto    FetchMode = "auto"    // 浏览器优先,失败时降级为静态
)

// PageSample 一次访问得到的页面快照
// 创建后不可修改,由Explorer的已访问集合持有
type PageSample struct {
	URL          string    `json:"url"`
	Content      string    `json:"-"`                    // 渲染后的HTML
	DiscoveredAt time.Time `json:"discovered_at"`        // 抓取完成时间
	Depth        int       `json:"depth"`                // 距起始页的跳数
	ParentURL    string    `json:"parent_url,omitempty"` // 发现该页的页面
	FetchMode    FetchMode `json:"fetch_mode"`
}

// NewPageSample 创建页面快照
func NewPageSample(pageURL, content string, depth int, parentURL string, mode FetchMode) *PageSample {
	return &PageSample{
		URL:          pageURL,
		Content:      content,
		DiscoveredAt: time.Now(),
		Depth:        depth,
		ParentURL:    parentURL,
		FetchMode:    mode,
	}
}

// Size 返回内容字节数
func (s *PageSample) Size() int {
	return len(s.Content)
}

// NavigationCandidate 分类器给出的候选跳转链接
type NavigationCandidate struct {
	URL            string  `json:"url"`
	Label          string  `json:"label,omitempty"`
	PageType       string  `json:"page_type,omitempty"` // 预测的目标页面类型
	RelevanceScore float64 `json:"relevance_score"`     // <0 表示未给出,沿用来源页得分
	Reason         string  `json:"why,omitempty"`
	Pagination     bool    `json:"pagination,omitempty"` // 翻页链接
}

// HasScore 候选是否自带相关度
func (c NavigationCandidate) HasScore() bool {
	return c.RelevanceScore >= 0
}

// PageClassification 页面分类结果
type PageClassification struct {
	PageType             string                `json:"page_type"`
	RelevanceScore       float64               `json:"relevance_score"`
	AvailableFields      []string              `json:"available_fields"`
	NavigationCandidates []NavigationCandidate `json:"navigation_candidates"`
	Summary              string                `json:"summary,omitempty"`
	Skip                 bool                  `json:"skip,omitempty"` // 错误页/登录页/法律条款等
	SkipReason           string                `json:"skip_reason,omitempty"`
}

// HasField 检查字段集合
func (c *PageClassification) HasField(name string) bool {
	for _, f := range c.AvailableFields {
		if f == name {
			return true
		}
	}
	return false
}

var nonLabelChars = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeLabel 将页面类型/字段名统一为小写下划线形式
// "Product Detail" -> "product_detail"
func NormalizeLabel(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	s = nonLabelChars.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// ClampScore 将相关度限制在[0,1]
func ClampScore(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// NormalizeURL 规范化URL用于去重: 去掉fragment,去掉路径末尾的斜杠,host小写
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("无效的URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("不支持的协议: %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("URL必须包含主机名")
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	if len(parsed.Path) > 1 {
		parsed.Path = strings.TrimRight(parsed.Path, "/")
		parsed.RawPath = ""
	}
	if parsed.Path == "/" {
		parsed.Path = ""
	}
	return parsed.String(), nil
}

// FrontierItem 待访问队列中的一项
type FrontierItem struct {
	URL            string  `json:"url"`
	OriginPageType string  `json:"origin_page_type,omitempty"` // 来源页的类型
	HintPageType   string  `json:"hint_page_type,omitempty"`   // 分类器对目标页的预测类型
	Score          float64 `json:"score"`
	Depth          int     `json:"depth"`
	ParentURL      string  `json:"parent_url,omitempty"`
	Seq            uint64  `json:"seq"` // 发现顺序
	Pagination     bool    `json:"pagination,omitempty"` // 经翻页链接发现
}
