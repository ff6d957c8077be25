package explorer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RecoveryAshes/ParseGen/internal/models"
)

var (
	ErrFrontierClosed = errors.New("队列已关闭")
	ErrAlreadyVisited = errors.New("URL已访问")
	ErrAlreadyQueued  = errors.New("URL已在队列中")
)

// Frontier 待访问URL队列
// 职责: 按发现顺序(FIFO)管理待访问与已访问URL,并发安全
// 不变量: 队列中永远不会出现已访问的URL
type Frontier struct {
	// 待处理队列,按发现顺序
	pending []models.FrontierItem

	// 已访问URL集合(出队即视为已访问)
	visited map[string]bool

	// 已入队但尚未出队的URL
	queued map[string]bool

	// 发现序号
	seq uint64

	mu     sync.Mutex
	closed bool
}

// NewFrontier 创建队列
func NewFrontier() *Frontier {
	return &Frontier{
		pending: make([]models.FrontierItem, 0, 64),
		visited: make(map[string]bool),
		queued:  make(map[string]bool),
	}
}

// Push 添加URL到队列
// URL会被规范化,已访问或已在队列中的URL被拒绝
func (f *Frontier) Push(item models.FrontierItem) (models.FrontierItem, error) {
	normalized, err := models.NormalizeURL(item.URL)
	if err != nil {
		return item, err
	}
	item.URL = normalized

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return item, ErrFrontierClosed
	}
	if f.visited[normalized] {
		return item, fmt.Errorf("%w: %s", ErrAlreadyVisited, normalized)
	}
	if f.queued[normalized] {
		return item, fmt.Errorf("%w: %s", ErrAlreadyQueued, normalized)
	}

	f.seq++
	item.Seq = f.seq
	f.queued[normalized] = true
	f.pending = append(f.pending, item)
	return item, nil
}

// Pop 取出最早发现的URL,并在同一把锁内标记为已访问
func (f *Frontier) Pop() (models.FrontierItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return models.FrontierItem{}, false
	}
	item := f.pending[0]
	f.pending[0] = models.FrontierItem{}
	f.pending = f.pending[1:]

	delete(f.queued, item.URL)
	f.visited[item.URL] = true
	return item, true
}

// MarkVisited 标记URL为已访问,队列中的同一URL会被移除
func (f *Frontier) MarkVisited(rawURL string) {
	normalized, err := models.NormalizeURL(rawURL)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.visited[normalized] = true
	if !f.queued[normalized] {
		return
	}
	delete(f.queued, normalized)
	kept := f.pending[:0]
	for _, item := range f.pending {
		if item.URL != normalized {
			kept = append(kept, item)
		}
	}
	f.pending = kept
}

// IsVisited 检查URL是否已访问
func (f *Frontier) IsVisited(rawURL string) bool {
	normalized, err := models.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visited[normalized]
}

// Len 当前待处理URL数量
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// VisitedCount 已访问URL数量
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

// Pending 返回待处理项的副本,用于报告
func (f *Frontier) Pending() []models.FrontierItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.FrontierItem, len(f.pending))
	copy(out, f.pending)
	return out
}

// Close 关闭队列,后续Push返回 ErrFrontierClosed
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}
