package llm

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/ParseGen/internal/utils"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pemistahl/lingua-go"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMarkdownLimit = 24000
	DefaultSkeletonLimit = 60000
)

var (
	blankLines   = regexp.MustCompile(`\n[ \t]*\n([ \t]*\n)+`)
	inlineSpaces = regexp.MustCompile(`[ \t]{2,}`)
	tagGaps      = regexp.MustCompile(`>\s+<`)
)

// CompactContent 压缩后的页面内容,作为分类提示词的输入
type CompactContent struct {
	Title     string
	Excerpt   string
	Language  string // ISO 639-1, 无法识别时为空
	Markdown  string
	Truncated bool
}

// ContentCompactor 将渲染后的HTML压缩为适合放进提示词的形式
//   - Compact: 清洗 -> Markdown,给分类器看内容
//   - Skeleton: 保留class/id等结构属性的HTML,给代码生成看结构
type ContentCompactor struct {
	markdownLimit int
	skeletonLimit int

	textPolicy      *bluemonday.Policy
	structurePolicy *bluemonday.Policy
	mdConverter     *converter.Converter
	detector        lingua.LanguageDetector
}

// NewContentCompactor 创建内容压缩器,limit<=0时使用默认值
func NewContentCompactor(markdownLimit, skeletonLimit int) *ContentCompactor {
	if markdownLimit <= 0 {
		markdownLimit = DefaultMarkdownLimit
	}
	if skeletonLimit <= 0 {
		skeletonLimit = DefaultSkeletonLimit
	}

	return &ContentCompactor{
		markdownLimit:   markdownLimit,
		skeletonLimit:   skeletonLimit,
		textPolicy:      bluemonday.UGCPolicy(),
		structurePolicy: newStructurePolicy(),
		mdConverter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.English, lingua.Chinese, lingua.Japanese, lingua.Korean,
				lingua.Spanish, lingua.French, lingua.German, lingua.Portuguese,
				lingua.Italian, lingua.Russian, lingua.Dutch).
			Build(),
	}
}

// newStructurePolicy 去掉脚本和样式,保留选择器需要的属性
func newStructurePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"html", "body", "main", "header", "footer", "nav", "section", "article", "aside",
		"div", "span", "p", "a", "ul", "ol", "li", "dl", "dt", "dd",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption",
		"img", "figure", "figcaption", "picture", "time", "address",
		"strong", "em", "b", "i", "small", "label", "button", "form", "select", "option",
		"blockquote", "pre", "code", "br",
	)
	p.AllowAttrs("class", "id", "itemprop", "itemtype", "itemscope", "role", "title",
		"aria-label", "datetime", "name", "content", "rel", "alt").Globally()
	p.AllowDataAttributes()
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "srcset").OnElements("img")
	p.AllowRelativeURLs(true)
	p.AllowURLSchemes("http", "https")
	return p
}

// Compact 清洗并转换为Markdown,附带标题、摘要和语言
func (c *ContentCompactor) Compact(pageURL, html string) *CompactContent {
	result := &CompactContent{}

	if parsed, err := url.Parse(pageURL); err == nil {
		// Parser带有解析状态,每次调用单独创建
		parser := readability.NewParser()
		if article, err := parser.Parse(strings.NewReader(html), parsed); err == nil {
			result.Title = strings.TrimSpace(article.Title)
			result.Excerpt = strings.TrimSpace(article.Excerpt)
		} else {
			log.Debug().Err(err).Str("url", pageURL).Msg("readability解析失败")
		}
	}
	if result.Title == "" {
		result.Title = documentTitle(html)
	}

	sanitized := c.textPolicy.Sanitize(html)
	markdown, err := c.mdConverter.ConvertString(sanitized, converter.WithDomain(pageURL))
	if err != nil {
		log.Debug().Err(err).Str("url", pageURL).Msg("Markdown转换失败,使用纯文本")
		markdown = plainText(sanitized)
	}
	markdown = strings.TrimSpace(blankLines.ReplaceAllString(markdown, "\n\n"))

	if lang, ok := c.detector.DetectLanguageOf(utils.Truncate(markdown, 4000)); ok {
		result.Language = strings.ToLower(lang.IsoCode639_1().String())
	}

	if len(markdown) > c.markdownLimit {
		markdown = utils.Truncate(markdown, c.markdownLimit)
		result.Truncated = true
	}
	result.Markdown = markdown
	return result
}

// Skeleton 返回只保留结构属性的HTML,用于生成CSS选择器
func (c *ContentCompactor) Skeleton(html string) (string, bool) {
	s := c.structurePolicy.Sanitize(html)
	s = tagGaps.ReplaceAllString(s, "><")
	s = inlineSpaces.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > c.skeletonLimit {
		return utils.Truncate(s, c.skeletonLimit), true
	}
	return s, false
}

func documentTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func plainText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
