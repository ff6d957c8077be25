package crawlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// maxCleanFailures 标签页清理连续失败达到该次数后销毁
const maxCleanFailures = 2

// PagePool 标签页池
// 按需创建标签页,上限由ResourceMonitor计算,归还时清理状态后复用
type PagePool struct {
	browser *rod.Browser
	stealth bool

	pages          []*rod.Page
	availablePages chan *rod.Page
	cleanFailures  map[*rod.Page]int

	resourceMonitor *ResourceMonitor

	mu     sync.Mutex
	closed bool
}

// NewPagePool 创建标签页池
func NewPagePool(browser *rod.Browser, resourceMonitor *ResourceMonitor, useStealth bool) *PagePool {
	return &PagePool{
		browser:         browser,
		stealth:         useStealth,
		pages:           make([]*rod.Page, 0),
		availablePages:  make(chan *rod.Page, 32),
		cleanFailures:   make(map[*rod.Page]int),
		resourceMonitor: resourceMonitor,
	}
}

// AcquirePage 获取一个可用的标签页,达到上限时阻塞等待
func (pp *PagePool) AcquirePage(ctx context.Context) (*rod.Page, error) {
	pp.mu.Lock()
	if pp.closed {
		pp.mu.Unlock()
		return nil, fmt.Errorf("标签页池已关闭")
	}
	pp.mu.Unlock()

	select {
	case page := <-pp.availablePages:
		return page, nil
	default:
	}

	pp.mu.Lock()
	currentSize := len(pp.pages)
	pp.mu.Unlock()
	maxSize := pp.resourceMonitor.CalculateMaxTabs()

	canCreate, reason := pp.resourceMonitor.CheckResourceAvailability()
	if currentSize >= maxSize || (!canCreate && currentSize > 0) {
		if !canCreate {
			log.Warn().Msgf("资源不足,等待空闲标签页: %s", reason)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case page, ok := <-pp.availablePages:
			if !ok {
				return nil, fmt.Errorf("标签页池已关闭")
			}
			return page, nil
		}
	}

	page, err := pp.newPage()
	if err != nil {
		log.Error().Err(err).Msg("创建标签页失败,浏览器可能已崩溃")
		return nil, fmt.Errorf("%w: %v", ErrBrowserCrashed, err)
	}

	pp.mu.Lock()
	pp.pages = append(pp.pages, page)
	currentSize = len(pp.pages)
	pp.mu.Unlock()

	log.Debug().Msgf("创建新标签页,当前标签页数: %d, 最大限制: %d", currentSize, maxSize)
	return page, nil
}

// newPage 创建标签页,启用stealth时注入反检测脚本
func (pp *PagePool) newPage() (*rod.Page, error) {
	if pp.stealth {
		return stealth.Page(pp.browser)
	}
	return pp.browser.Page(proto.TargetCreateTarget{})
}

// ReleasePage 归还标签页
func (pp *PagePool) ReleasePage(page *rod.Page) {
	if page == nil {
		return
	}

	pp.mu.Lock()
	closed := pp.closed
	pp.mu.Unlock()
	if closed {
		return
	}

	if err := pp.cleanPage(page); err != nil {
		pp.mu.Lock()
		pp.cleanFailures[page]++
		failures := pp.cleanFailures[page]
		pp.mu.Unlock()

		log.Warn().Err(err).Msgf("清理标签页状态失败 (第%d次失败)", failures)
		if failures >= maxCleanFailures {
			log.Warn().Msg("标签页清理多次失败,销毁该标签页")
			pp.destroyPage(page)
			return
		}
	} else {
		pp.mu.Lock()
		delete(pp.cleanFailures, page)
		pp.mu.Unlock()
	}

	// 持锁发送,避免与Close并发时向已关闭的channel写入
	pp.mu.Lock()
	if pp.closed {
		pp.mu.Unlock()
		return
	}
	returned := false
	select {
	case pp.availablePages <- page:
		returned = true
	default:
	}
	pp.mu.Unlock()

	if !returned {
		pp.destroyPage(page)
	}
}

// cleanPage 清理存储并回到空白页,避免上一个站点的状态泄漏
func (pp *PagePool) cleanPage(page *rod.Page) error {
	_, err := page.Evaluate(&rod.EvalOptions{
		JS: `() => {
			try { if (window.localStorage) localStorage.clear(); } catch (e) {}
			try { if (window.sessionStorage) sessionStorage.clear(); } catch (e) {}
			return true;
		}`,
	})
	if err != nil {
		return fmt.Errorf("清理标签页存储失败: %w", err)
	}
	if err := page.Navigate("about:blank"); err != nil {
		return fmt.Errorf("重置标签页失败: %w", err)
	}
	return nil
}

// destroyPage 销毁标签页
func (pp *PagePool) destroyPage(page *rod.Page) {
	pp.mu.Lock()
	for i, p := range pp.pages {
		if p == page {
			pp.pages = append(pp.pages[:i], pp.pages[i+1:]...)
			break
		}
	}
	delete(pp.cleanFailures, page)
	remaining := len(pp.pages)
	pp.mu.Unlock()

	if err := page.Close(); err != nil {
		log.Warn().Err(err).Msg("关闭标签页失败")
	}
	log.Debug().Msgf("销毁标签页,当前标签页数: %d", remaining)
}

// CurrentSize 当前标签页数
func (pp *PagePool) CurrentSize() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.pages)
}

// Close 关闭所有标签页
func (pp *PagePool) Close() error {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if pp.closed {
		return nil
	}

	for _, page := range pp.pages {
		if err := page.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭标签页失败")
		}
	}

	pp.pages = nil
	pp.cleanFailures = nil
	close(pp.availablePages)
	pp.closed = true

	log.Debug().Msg("标签页池已关闭")
	return nil
}
