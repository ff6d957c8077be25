package explorer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/rs/zerolog/log"
)

// Config 探索参数
type Config struct {
	TargetURL      string
	Threshold      float64 // 相关度阈值,含等于
	MaxPages       int     // 最多分发的URL数
	MaxDepth       int     // 最大跳数,<=0 表示不限制
	SameDomainOnly bool
}

// ConfigFromRun 由运行配置构造探索参数
func ConfigFromRun(targetURL string, cfg models.RunConfig) Config {
	return Config{
		TargetURL:      targetURL,
		Threshold:      cfg.RelevanceThreshold,
		MaxPages:       cfg.MaxPages,
		MaxDepth:       cfg.MaxDepth,
		SameDomainOnly: cfg.SameDomainOnly,
	}
}

// Explorer 非线性导航: 决定下一个要访问的页面
// 按页面类型去重,已有通过验证例程的类型不再探索
type Explorer struct {
	config   Config
	frontier *Frontier
	routines *RoutineTable

	mu         sync.Mutex
	dispatched int
	dropped    int
}

// New 创建探索器并把起始URL放入队列
func New(config Config, routines *RoutineTable) (*Explorer, error) {
	if config.MaxPages <= 0 {
		return nil, fmt.Errorf("max_pages必须大于0: %d", config.MaxPages)
	}
	if routines == nil {
		routines = NewRoutineTable()
	}
	e := &Explorer{
		config:   config,
		frontier: NewFrontier(),
		routines: routines,
	}
	if _, err := e.frontier.Push(models.FrontierItem{URL: config.TargetURL, Score: 1}); err != nil {
		return nil, fmt.Errorf("起始URL无效: %w", err)
	}
	return e, nil
}

// Routines 例程表
func (e *Explorer) Routines() *RoutineTable {
	return e.routines
}

// Frontier 待访问队列
func (e *Explorer) Frontier() *Frontier {
	return e.frontier
}

// Next 返回下一个要访问的URL
// 返回false表示探索结束: 队列为空或已达到max_pages
func (e *Explorer) Next() (models.FrontierItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.dispatched < e.config.MaxPages {
		item, ok := e.frontier.Pop()
		if !ok {
			return models.FrontierItem{}, false
		}
		// 入队后该类型的例程已经通过验证
		if item.HintPageType != "" && e.routines.IsPassing(item.HintPageType) {
			e.dropped++
			log.Debug().Str("url", item.URL).Str("page_type", item.HintPageType).Msg("跳过已有例程的页面类型")
			continue
		}
		e.dispatched++
		return item, true
	}
	return models.FrontierItem{}, false
}

// Record 根据分类结果扩展队列,返回新入队的项
func (e *Explorer) Record(sample *models.PageSample, classification *models.PageClassification) []models.FrontierItem {
	if classification.Skip {
		log.Debug().Str("url", sample.URL).Str("reason", classification.SkipReason).Msg("页面被标记为跳过,不扩展")
		return nil
	}
	if classification.RelevanceScore < e.config.Threshold {
		return nil
	}
	// 同类型页面结构相同,已有例程时不再从它扩展
	if e.routines.IsPassing(classification.PageType) {
		return nil
	}

	var added []models.FrontierItem
	for _, cand := range classification.NavigationCandidates {
		// 翻页链接与当前页处于同一层级
		depth := sample.Depth + 1
		if cand.Pagination {
			depth = sample.Depth
		}
		if e.config.MaxDepth > 0 && depth > e.config.MaxDepth {
			continue
		}

		score := classification.RelevanceScore
		if cand.HasScore() {
			score = cand.RelevanceScore
		}
		if score < e.config.Threshold {
			continue
		}
		if cand.PageType != "" && e.routines.IsPassing(cand.PageType) {
			continue
		}
		if e.config.SameDomainOnly && !models.SameHost(e.config.TargetURL, cand.URL) {
			continue
		}

		item, err := e.frontier.Push(models.FrontierItem{
			URL:            cand.URL,
			OriginPageType: classification.PageType,
			HintPageType:   cand.PageType,
			Score:          score,
			Depth:          depth,
			ParentURL:      sample.URL,
			Pagination:     cand.Pagination,
		})
		if err != nil {
			if !errors.Is(err, ErrAlreadyVisited) && !errors.Is(err, ErrAlreadyQueued) {
				log.Debug().Err(err).Str("url", cand.URL).Msg("候选链接入队失败")
			}
			continue
		}
		added = append(added, item)
	}

	if len(added) > 0 {
		log.Debug().Str("url", sample.URL).Int("added", len(added)).Int("pending", e.frontier.Len()).Msg("🔗 扩展待访问队列")
	}
	return added
}

// Dispatched 已分发的URL数
func (e *Explorer) Dispatched() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatched
}

// Dropped 出队时因类型已有例程而丢弃的URL数
func (e *Explorer) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Exhausted 是否已达到max_pages
func (e *Explorer) Exhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatched >= e.config.MaxPages
}

// ShouldSynthesize 页面是否值得为其类型生成例程
func (e *Explorer) ShouldSynthesize(classification *models.PageClassification) bool {
	return !classification.Skip && classification.RelevanceScore >= e.config.Threshold
}

// Close 结束探索,拒绝后续入队
func (e *Explorer) Close() {
	e.frontier.Close()
}
