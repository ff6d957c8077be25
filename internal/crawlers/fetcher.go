package crawlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/rs/zerolog/log"
)

// Fetcher 页面抓取器
// 失败时返回 *models.FetchError
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string, interactions []Interaction) (*models.PageSample, error)
	Close() error
}

// defaultFallbackTimeout 上层截止时间已到时,备用抓取器使用的时限
const defaultFallbackTimeout = 30 * time.Second

// FallbackFetcher 先用主抓取器,失败后用备用抓取器重试
// 无效URL和调用方取消不会触发降级,超时会
type FallbackFetcher struct {
	primary         Fetcher
	secondary       Fetcher
	fallbackTimeout time.Duration
}

// NewFallbackFetcher 创建降级抓取器
// fallbackTimeout<=0 时使用默认值
func NewFallbackFetcher(primary, secondary Fetcher, fallbackTimeout time.Duration) *FallbackFetcher {
	if fallbackTimeout <= 0 {
		fallbackTimeout = defaultFallbackTimeout
	}
	return &FallbackFetcher{primary: primary, secondary: secondary, fallbackTimeout: fallbackTimeout}
}

// Fetch 抓取页面
func (f *FallbackFetcher) Fetch(ctx context.Context, pageURL string, interactions []Interaction) (*models.PageSample, error) {
	sample, err := f.primary.Fetch(ctx, pageURL, interactions)
	if err == nil {
		return sample, nil
	}

	var fetchErr *models.FetchError
	if errors.As(err, &fetchErr) && fetchErr.Reason == models.FetchInvalidURL {
		return nil, err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, err
	}

	fallbackCtx := ctx
	if ctx.Err() != nil {
		// 主抓取器耗尽了上层的截止时间,备用抓取器另给时限
		var cancel context.CancelFunc
		fallbackCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), f.fallbackTimeout)
		defer cancel()
	}

	log.Warn().Err(err).Str("url", pageURL).Msg("⚠️  主抓取器失败,降级重试")
	sample, fallbackErr := f.secondary.Fetch(fallbackCtx, pageURL, interactions)
	if fallbackErr != nil {
		return nil, fallbackErr
	}
	return sample, nil
}

// Close 关闭两个抓取器
func (f *FallbackFetcher) Close() error {
	return errors.Join(f.primary.Close(), f.secondary.Close())
}

// NewFetcher 按抓取模式创建抓取器
// auto 模式: 浏览器优先,失败时降级为静态抓取
func NewFetcher(mode models.FetchMode, browserConfig BrowserFetcherConfig, headerProvider models.HeaderProvider) (Fetcher, *ResourceMonitor, error) {
	switch mode {
	case models.FetchModeBrowser:
		bf := NewBrowserFetcher(browserConfig, headerProvider)
		return bf, bf.ResourceMonitor(), nil
	case models.FetchModeStatic:
		return NewStaticFetcher(browserConfig.Timeout, headerProvider), NewResourceMonitor(browserConfig.Resource), nil
	case models.FetchModeAuto, "":
		bf := NewBrowserFetcher(browserConfig, headerProvider)
		sf := NewStaticFetcher(browserConfig.Timeout, headerProvider)
		return NewFallbackFetcher(bf, sf, browserConfig.Timeout), bf.ResourceMonitor(), nil
	default:
		return nil, nil, fmt.Errorf("未知抓取模式: %s", mode)
	}
}
