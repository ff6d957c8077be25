package crawlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

var (
	ErrBrowserCrashed    = errors.New("浏览器崩溃")
	ErrMaxRetriesReached = errors.New("已达最大重试次数")
)

// BrowserFetcherConfig 浏览器抓取器配置
type BrowserFetcherConfig struct {
	Headless bool
	Stealth  bool
	Timeout  time.Duration // 单页导航+交互+采集的总超时
	WaitTime time.Duration // 页面load之后额外等待,给前端渲染留时间
	Resource ResourceMonitorConfig
}

// BrowserFetcher 基于go-rod的页面抓取器
// 浏览器在第一次Fetch时启动,崩溃后自动重启(最多3次)
type BrowserFetcher struct {
	config         BrowserFetcherConfig
	headerProvider models.HeaderProvider

	browser         *rod.Browser
	pagePool        *PagePool
	resourceMonitor *ResourceMonitor

	browserRetryCount int
	maxBrowserRetries int

	mu     sync.Mutex
	closed bool
}

// NewBrowserFetcher 创建浏览器抓取器
func NewBrowserFetcher(config BrowserFetcherConfig, headerProvider models.HeaderProvider) *BrowserFetcher {
	if config.Timeout <= 0 {
		config.Timeout = 45 * time.Second
	}
	return &BrowserFetcher{
		config:            config,
		headerProvider:    headerProvider,
		resourceMonitor:   NewResourceMonitor(config.Resource),
		maxBrowserRetries: 3,
	}
}

// ResourceMonitor 返回抓取器使用的资源监控器,流水线据此确定worker数
func (bf *BrowserFetcher) ResourceMonitor() *ResourceMonitor {
	return bf.resourceMonitor
}

// Fetch 渲染页面并返回outerHTML
func (bf *BrowserFetcher) Fetch(ctx context.Context, pageURL string, interactions []Interaction) (*models.PageSample, error) {
	if err := models.ValidateURL(pageURL); err != nil {
		return nil, models.NewFetchError(pageURL, models.FetchInvalidURL, err)
	}

	for {
		pool, err := bf.ensureBrowser()
		if err != nil {
			return nil, models.NewFetchError(pageURL, models.FetchNavigation, err)
		}

		content, err := bf.fetchOnce(ctx, pool, pageURL, interactions)
		if err == nil {
			return models.NewPageSample(pageURL, content, 0, "", models.FetchModeBrowser), nil
		}

		if !errors.Is(err, ErrBrowserCrashed) {
			return nil, classifyFetchError(pageURL, err)
		}

		if restartErr := bf.restart(pool); restartErr != nil {
			return nil, models.NewFetchError(pageURL, models.FetchNavigation, restartErr)
		}
	}
}

// fetchOnce 在一个标签页中完成导航、交互和采集
func (bf *BrowserFetcher) fetchOnce(ctx context.Context, pool *PagePool, pageURL string, interactions []Interaction) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("url", pageURL).Msgf("浏览器操作panic: %v", r)
			err = fmt.Errorf("%w: %v", ErrBrowserCrashed, r)
		}
	}()

	// 等待标签页也计入单页超时
	navCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()

	page, err := pool.AcquirePage(navCtx)
	if err != nil {
		return "", err
	}
	defer pool.ReleasePage(page)

	p := page.Context(navCtx)

	if bf.headerProvider != nil {
		cleanup, err := bf.applyHeaders(page)
		if err != nil {
			log.Warn().Err(err).Str("url", pageURL).Msg("设置自定义HTTP头部失败")
		} else if cleanup != nil {
			defer cleanup()
		}
	}

	var status atomic.Int64
	if err := (proto.NetworkEnable{}).Call(p); err == nil {
		wait := p.EachEvent(func(e *proto.NetworkResponseReceived) {
			if e.Type == proto.NetworkResourceTypeDocument && e.FrameID == page.FrameID {
				status.Store(int64(e.Response.Status))
			}
		})
		go wait()
	}

	log.Debug().Str("url", pageURL).Msg("🌐 浏览器导航")
	if err := p.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("导航失败: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("等待页面加载失败: %w", err)
	}

	if bf.config.WaitTime > 0 {
		select {
		case <-navCtx.Done():
			return "", navCtx.Err()
		case <-time.After(bf.config.WaitTime):
		}
	}

	if code := status.Load(); code >= 400 {
		return "", &httpStatusError{Status: int(code)}
	}

	if len(interactions) > 0 {
		runInteractions(navCtx, page, interactions)
	}

	res, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("获取页面HTML失败: %w", err)
	}
	html := res.Value.Str()
	if strings.TrimSpace(html) == "" {
		return "", fmt.Errorf("页面内容为空")
	}
	return html, nil
}

// applyHeaders 为标签页的所有请求附加自定义头部,返回的cleanup在归还标签页前调用
func (bf *BrowserFetcher) applyHeaders(page *rod.Page) (func(), error) {
	headers, err := bf.headerProvider.GetHeaders()
	if err != nil {
		return nil, fmt.Errorf("获取HTTP头部失败: %w", err)
	}
	if len(headers) == 0 {
		return nil, nil
	}

	dict := make([]string, 0, len(headers)*2)
	for name, values := range headers {
		if len(values) > 0 {
			dict = append(dict, name, values[0])
		}
	}
	return page.SetExtraHeaders(dict)
}

// ensureBrowser 按需启动浏览器和标签页池
func (bf *BrowserFetcher) ensureBrowser() (*PagePool, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if bf.closed {
		return nil, fmt.Errorf("浏览器抓取器已关闭")
	}
	if bf.pagePool != nil {
		return bf.pagePool, nil
	}

	if err := bf.launchBrowser(); err != nil {
		return nil, err
	}
	bf.resourceMonitor.StartMonitoring(time.Second)
	bf.pagePool = NewPagePool(bf.browser, bf.resourceMonitor, bf.config.Stealth)
	return bf.pagePool, nil
}

// restart 浏览器崩溃后重启,多个worker同时发现崩溃时只重启一次
func (bf *BrowserFetcher) restart(crashed *PagePool) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if bf.closed {
		return fmt.Errorf("浏览器抓取器已关闭")
	}
	if bf.pagePool != crashed {
		return nil
	}

	bf.browserRetryCount++
	if bf.browserRetryCount > bf.maxBrowserRetries {
		return fmt.Errorf("浏览器崩溃: %w", ErrMaxRetriesReached)
	}
	log.Warn().Msgf("⚠️  浏览器崩溃,准备重启(重试%d/%d)", bf.browserRetryCount, bf.maxBrowserRetries)

	bf.shutdownLocked()
	time.Sleep(2 * time.Second)

	if err := bf.launchBrowser(); err != nil {
		return err
	}
	bf.pagePool = NewPagePool(bf.browser, bf.resourceMonitor, bf.config.Stealth)
	return nil
}

// launchBrowser 启动浏览器,调用方持有锁
func (bf *BrowserFetcher) launchBrowser() error {
	l := launcher.New().
		Headless(bf.config.Headless).
		Set("ignore-certificate-errors")

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("启动浏览器失败: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("连接浏览器失败: %w", err)
	}
	bf.browser = browser

	log.Debug().Msgf("浏览器已启动: %s", controlURL)
	log.Warn().Msg("浏览器已配置为跳过HTTPS证书验证")
	return nil
}

// shutdownLocked 关闭标签页池与浏览器,调用方持有锁
func (bf *BrowserFetcher) shutdownLocked() {
	if bf.pagePool != nil {
		_ = bf.pagePool.Close()
		bf.pagePool = nil
	}
	if bf.browser != nil {
		if err := bf.browser.Close(); err != nil {
			log.Debug().Err(err).Msg("关闭浏览器失败")
		}
		bf.browser = nil
	}
}

// Close 关闭浏览器
func (bf *BrowserFetcher) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if bf.closed {
		return nil
	}
	bf.closed = true
	bf.shutdownLocked()
	bf.resourceMonitor.StopMonitoring()
	log.Debug().Msg("浏览器已关闭")
	return nil
}

// httpStatusError 主文档返回了错误状态码
type httpStatusError struct {
	Status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP状态码 %d", e.Status)
}

// classifyFetchError 将底层错误映射为FetchError
func classifyFetchError(pageURL string, err error) *models.FetchError {
	var fetchErr *models.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case 401, 403, 429:
			return models.NewFetchError(pageURL, models.FetchBlocked, err)
		default:
			return models.NewFetchError(pageURL, models.FetchHTTPStatus, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewFetchError(pageURL, models.FetchTimeout, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "ERR_BLOCKED"), strings.Contains(msg, "ERR_ACCESS_DENIED"):
		return models.NewFetchError(pageURL, models.FetchBlocked, err)
	case strings.Contains(msg, "ERR_TIMED_OUT"):
		return models.NewFetchError(pageURL, models.FetchTimeout, err)
	}
	return models.NewFetchError(pageURL, models.FetchNavigation, err)
}
