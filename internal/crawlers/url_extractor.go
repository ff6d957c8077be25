package crawlers

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
)

// Link 页面中的一个超链接
type Link struct {
	URL  string // 规范化后的绝对URL
	Text string // 锚文本(已压缩空白)
}

// LinkExtractor 链接提取器
// 职责: 从渲染后的HTML中提取可跟随的链接
type LinkExtractor struct {
	// 目标主机名(用于跨域检查)
	targetHost string

	// 是否只保留同域链接
	sameDomainOnly bool
}

// NewLinkExtractor 创建链接提取器
// targetURL 为空或 sameDomainOnly=false 时不做域名过滤
func NewLinkExtractor(targetURL string, sameDomainOnly bool) *LinkExtractor {
	e := &LinkExtractor{sameDomainOnly: sameDomainOnly}
	if parsed, err := url.Parse(targetURL); err == nil {
		e.targetHost = parsed.Hostname()
	}
	return e
}

// ExtractLinks 从HTML字符串提取链接,按文档顺序去重
// 支持 <base href>; 只返回http(s)链接
func (e *LinkExtractor) ExtractLinks(htmlContent string, baseURL string) ([]Link, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("解析HTML失败: %w", err)
	}

	base, err := documentBase(doc, baseURL)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var links []Link

	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if href, ok := attrValue(n, "href"); ok {
				if link, ok := e.resolve(base, href); ok && !seen[link] {
					seen[link] = true
					links = append(links, Link{URL: link, Text: nodeText(n)})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(doc)

	return links, nil
}

// ExtractURLs 仅返回URL集合,用于校验LLM给出的候选链接
func (e *LinkExtractor) ExtractURLs(htmlContent string, baseURL string) (map[string]bool, error) {
	links, err := e.ExtractLinks(htmlContent, baseURL)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(links))
	for _, link := range links {
		set[link.URL] = true
	}
	return set, nil
}

// resolve 转换为规范化的绝对URL并过滤
func (e *LinkExtractor) resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	absolute := base.ResolveReference(ref).String()

	normalized, err := models.NormalizeURL(absolute)
	if err != nil {
		return "", false
	}

	if ok, reason := e.ShouldFollowLink(normalized); !ok {
		log.Debug().Msgf("过滤链接: %s (%s)", normalized, reason)
		return "", false
	}
	return normalized, true
}

// ShouldFollowLink 判断链接是否应该被跟随
func (e *LinkExtractor) ShouldFollowLink(linkURL string) (bool, string) {
	parsedURL, err := url.Parse(linkURL)
	if err != nil {
		return false, "URL格式无效"
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return false, "不支持的协议"
	}

	if e.sameDomainOnly && e.targetHost != "" && !models.SameHost("//"+e.targetHost, "//"+parsedURL.Hostname()) {
		return false, "跨域链接已过滤"
	}

	return true, ""
}

// DocumentBase 页面中相对链接的解析基准
// 有 <base href> 时以它为准,否则为页面URL
func DocumentBase(htmlContent string, pageURL string) (*url.URL, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("解析HTML失败: %w", err)
	}
	return documentBase(doc, pageURL)
}

func documentBase(doc *html.Node, pageURL string) (*url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("解析baseURL失败: %w", err)
	}
	if href := findBaseHref(doc); href != "" {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}
	return base, nil
}

func findBaseHref(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "base" {
		if href, ok := attrValue(n, "href"); ok {
			return href
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if href := findBaseHref(c); href != "" {
			return href
		}
	}
	return ""
}

func attrValue(n *html.Node, key string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}

// nodeText 锚文本,没有文本时回退到title/aria-label
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)

	text := strings.Join(strings.Fields(sb.String()), " ")
	if text == "" {
		if title, ok := attrValue(n, "title"); ok {
			return strings.TrimSpace(title)
		}
		if label, ok := attrValue(n, "aria-label"); ok {
			return strings.TrimSpace(label)
		}
	}
	return text
}
