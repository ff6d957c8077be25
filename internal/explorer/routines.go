package explorer

import (
	"sort"
	"sync"

	"github.com/RecoveryAshes/ParseGen/internal/models"
)

// RoutineTable 一次运行内页面类型 -> 提取例程的唯一记录
// Claim在锁内完成检查与占用,保证同一页面类型只合成一次
type RoutineTable struct {
	mu       sync.RWMutex
	claimed  map[string]bool
	routines map[string]*models.ExtractionRoutine
}

// NewRoutineTable 创建例程表
func NewRoutineTable() *RoutineTable {
	return &RoutineTable{
		claimed:  make(map[string]bool),
		routines: make(map[string]*models.ExtractionRoutine),
	}
}

// Claim 占用页面类型,已被占用时返回false
func (t *RoutineTable) Claim(pageType string) bool {
	if pageType == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.claimed[pageType] {
		return false
	}
	t.claimed[pageType] = true
	return true
}

// Complete 保存合成结果
func (t *RoutineTable) Complete(routine *models.ExtractionRoutine) {
	if routine == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claimed[routine.PageType] = true
	t.routines[routine.PageType] = routine
}

// IsPassing 页面类型是否已有通过验证的例程
func (t *RoutineTable) IsPassing(pageType string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routines[pageType]
	return ok && r.Status == models.StatusPassing
}

// IsClaimed 页面类型是否已被占用(合成中或已完成)
func (t *RoutineTable) IsClaimed(pageType string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.claimed[pageType]
}

// Routines 所有已完成的例程,按页面类型排序
func (t *RoutineTable) Routines() []*models.ExtractionRoutine {
	return t.filter(func(*models.ExtractionRoutine) bool { return true })
}

// Passing 通过验证的例程
func (t *RoutineTable) Passing() []*models.ExtractionRoutine {
	return t.filter(func(r *models.ExtractionRoutine) bool { return r.Status == models.StatusPassing })
}

// Abandoned 重试耗尽的例程
func (t *RoutineTable) Abandoned() []*models.ExtractionRoutine {
	return t.filter(func(r *models.ExtractionRoutine) bool { return r.Status == models.StatusAbandoned })
}

// VisitedTypes 已出现过的页面类型(含合成中的),排序后返回
func (t *RoutineTable) VisitedTypes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	types := make([]string, 0, len(t.claimed))
	for pageType := range t.claimed {
		types = append(types, pageType)
	}
	sort.Strings(types)
	return types
}

// InFlight 已占用但尚未完成的页面类型数量
func (t *RoutineTable) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.claimed) - len(t.routines)
}

func (t *RoutineTable) filter(keep func(*models.ExtractionRoutine) bool) []*models.ExtractionRoutine {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*models.ExtractionRoutine, 0, len(t.routines))
	for _, r := range t.routines {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageType < out[j].PageType })
	return out
}
