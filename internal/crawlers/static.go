package crawlers

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
)

// ErrNotHTML 响应不是HTML页面
var ErrNotHTML = errors.New("响应内容不是HTML")

// StaticFetcher 静态抓取器(使用Colly)
// 不执行JavaScript,用于服务端渲染的页面以及浏览器失败时的降级
type StaticFetcher struct {
	collector      *colly.Collector
	headerProvider models.HeaderProvider
	timeout        time.Duration
}

// NewStaticFetcher 创建静态抓取器
func NewStaticFetcher(timeout time.Duration, headerProvider models.HeaderProvider) *StaticFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // 允许自签名、过期证书
			},
		},
		Timeout: timeout,
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.MaxBodySize(20*1024*1024),
	)
	c.SetClient(httpClient)
	c.WithTransport(httpClient.Transport)
	c.SetRequestTimeout(timeout)

	log.Debug().Msgf("静态抓取器: TLS证书验证已禁用, 超时 %v", timeout)

	return &StaticFetcher{
		collector:      c,
		headerProvider: headerProvider,
		timeout:        timeout,
	}
}

// staticResult 单次抓取的回调结果
type staticResult struct {
	status      int
	contentType string
	body        []byte
	err         error
}

// Fetch 抓取页面原始HTML
// 静态抓取无法执行交互动作,传入时只记录警告
func (sf *StaticFetcher) Fetch(ctx context.Context, pageURL string, interactions []Interaction) (*models.PageSample, error) {
	if err := models.ValidateURL(pageURL); err != nil {
		return nil, models.NewFetchError(pageURL, models.FetchInvalidURL, err)
	}
	if len(interactions) > 0 {
		log.Warn().Str("url", pageURL).Msgf("静态抓取不支持页面交互,忽略 %d 个动作", len(interactions))
	}

	result := &staticResult{}
	c := sf.collector.Clone()
	c.SetRequestTimeout(sf.timeout)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		sf.applyHeaders(r)
		log.Debug().Msgf("访问: %s", r.URL.String())
	})

	c.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.contentType = r.Headers.Get("Content-Type")

		body := r.Body
		if encoding := r.Headers.Get("Content-Encoding"); encoding != "" {
			decompressed, err := decompressResponse(encoding, r.Body)
			if err != nil {
				log.Warn().Err(err).Msgf("解压响应失败 [%s] (编码=%s)", pageURL, encoding)
			} else {
				body = decompressed
			}
		}
		result.body = body
	})

	c.OnError(func(r *colly.Response, err error) {
		result.status = r.StatusCode
		result.err = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return nil, classifyStaticError(pageURL, ctx.Err())
	case err := <-done:
		if err != nil && result.err == nil {
			result.err = err
		}
	}

	if result.status >= 400 {
		return nil, classifyFetchError(pageURL, &httpStatusError{Status: result.status})
	}
	if result.err != nil {
		return nil, classifyStaticError(pageURL, result.err)
	}
	if !isHTMLContent(result.contentType, result.body) {
		return nil, models.NewFetchError(pageURL, models.FetchNavigation,
			fmt.Errorf("%w: Content-Type=%q", ErrNotHTML, result.contentType))
	}

	return models.NewPageSample(pageURL, string(result.body), 0, "", models.FetchModeStatic), nil
}

// applyHeaders 应用自定义HTTP头部
func (sf *StaticFetcher) applyHeaders(r *colly.Request) {
	if sf.headerProvider == nil {
		return
	}
	headers, err := sf.headerProvider.GetHeaders()
	if err != nil {
		log.Warn().Err(err).Msg("获取HTTP头部失败")
		return
	}
	for name, values := range headers {
		if len(values) > 0 {
			r.Headers.Set(name, values[0])
		}
	}
}

// Close 静态抓取器没有需要释放的资源
func (sf *StaticFetcher) Close() error {
	return nil
}

func classifyStaticError(pageURL string, err error) *models.FetchError {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
		return models.NewFetchError(pageURL, models.FetchTimeout, err)
	}
	return classifyFetchError(pageURL, err)
}

// isHTMLContent 判断响应是否为HTML页面
// 优先看Content-Type,缺失或不准确时嗅探前1KB内容
func isHTMLContent(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return true
	}
	if strings.Contains(ct, "json") || strings.Contains(ct, "javascript") ||
		strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "video/") ||
		strings.Contains(ct, "pdf") {
		return false
	}

	sample := body
	if len(body) > 1024 {
		sample = body[:1024]
	}
	lower := strings.ToLower(strings.TrimSpace(string(sample)))

	markers := []string{"<!doctype html", "<html", "<head", "<body"}
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// decompressResponse 根据Content-Encoding头部解压响应体
// 支持 gzip, deflate, br (Brotli) 三种压缩格式
func decompressResponse(contentEncoding string, body []byte) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer reader.Close()

		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip读取失败: %w", err)
		}
		return decompressed, nil

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()

		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("deflate读取失败: %w", err)
		}
		return decompressed, nil

	case "br":
		reader := brotli.NewReader(bytes.NewReader(body))
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("brotli读取失败: %w", err)
		}
		return decompressed, nil

	case "", "identity":
		return body, nil

	default:
		return nil, fmt.Errorf("不支持的压缩格式: %s", contentEncoding)
	}
}
