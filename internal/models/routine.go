package models

import (
	"errors"
	"fmt"
	"time"
)

// MaxSynthesisAttempts 每个页面类型最多生成/修复的次数
const MaxSynthesisAttempts = 4

// RoutineStatus 提取例程的验证状态
// untested -> failing -> ... -> passing | abandoned
type RoutineStatus string

const (
	StatusUntested  RoutineStatus = "untested"
	StatusFailing   RoutineStatus = "failing"
	StatusPassing   RoutineStatus = "passing"
	StatusAbandoned RoutineStatus = "abandoned"
)

// IsTerminal passing与abandoned之后不再迁移
func (s RoutineStatus) IsTerminal() bool {
	return s == StatusPassing || s == StatusAbandoned
}

// ErrRoutineTerminal 对已终结的例程继续迁移
var ErrRoutineTerminal = errors.New("提取例程已处于终态")

// AttemptRecord 一次执行尝试的记录
type AttemptRecord struct {
	Attempt int       `json:"attempt"`
	Source  string    `json:"source"`
	Error   string    `json:"error,omitempty"`
	Records int       `json:"records"`
	At      time.Time `json:"at"`
}

// ExtractionRoutine 某个页面类型的提取例程
type ExtractionRoutine struct {
	PageType     string          `json:"page_type"`
	Source       string          `json:"source"` // 选择器配方(JSON)
	Status       RoutineStatus   `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	History      []AttemptRecord `json:"history"`
	SampleURL    string          `json:"sample_url"`
	Fingerprint  []string        `json:"fingerprint,omitempty"` // 样本页面的结构指纹
	FetchMode    FetchMode       `json:"fetch_mode,omitempty"`  // 样本页面的实际抓取方式
}

// NewExtractionRoutine 创建未测试状态的例程
func NewExtractionRoutine(pageType, sampleURL string) *ExtractionRoutine {
	return &ExtractionRoutine{
		PageType:  pageType,
		Status:    StatusUntested,
		SampleURL: sampleURL,
		History:   make([]AttemptRecord, 0, MaxSynthesisAttempts),
	}
}

// Advance 记录一次执行结果并迁移状态
// evalErr为nil表示本次执行通过
func (r *ExtractionRoutine) Advance(source string, records int, evalErr error) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: %s (%s)", ErrRoutineTerminal, r.PageType, r.Status)
	}
	if r.AttemptCount >= MaxSynthesisAttempts {
		r.Status = StatusAbandoned
		return fmt.Errorf("%w: %s 已尝试%d次", ErrRoutineTerminal, r.PageType, r.AttemptCount)
	}

	r.AttemptCount++
	r.Source = source
	rec := AttemptRecord{
		Attempt: r.AttemptCount,
		Source:  source,
		Records: records,
		At:      time.Now(),
	}

	if evalErr == nil {
		r.Status = StatusPassing
		r.LastError = ""
	} else {
		rec.Error = evalErr.Error()
		r.LastError = rec.Error
		if r.AttemptCount >= MaxSynthesisAttempts {
			r.Status = StatusAbandoned
		} else {
			r.Status = StatusFailing
		}
	}
	r.History = append(r.History, rec)
	return nil
}

// CanRetry 是否还能进行修复
func (r *ExtractionRoutine) CanRetry() bool {
	return r.Status == StatusFailing && r.AttemptCount < MaxSynthesisAttempts
}
