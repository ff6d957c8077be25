package models

import (
	"errors"
	"fmt"
	"strings"
)

// FetchReason 抓取失败原因
type FetchReason string

const (
	FetchInvalidURL FetchReason = "invalid_url"
	FetchTimeout    FetchReason = "timeout"
	FetchNavigation FetchReason = "navigation"
	FetchBlocked    FetchReason = "blocked"
	FetchHTTPStatus FetchReason = "http_status"
)

// FetchError 页面抓取失败(网络/超时/导航)
// 局部可恢复: 调用方丢弃该URL后继续
type FetchError struct {
	URL    string
	Reason FetchReason
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("抓取失败 [%s] (%s): %v", e.URL, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError 创建抓取错误
func NewFetchError(pageURL string, reason FetchReason, err error) *FetchError {
	return &FetchError{URL: pageURL, Reason: reason, Err: err}
}

// ClassificationError LLM分类输出格式错误
type ClassificationError struct {
	URL string
	Raw string // 截断后的原始输出,便于排查
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("页面分类失败 [%s]: %v", e.URL, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// SynthesisFailure 例程在重试上限内未能通过验证
// 局部可恢复: 该页面类型被跳过
type SynthesisFailure struct {
	PageType  string
	Attempts  int
	LastError string
}

func (e *SynthesisFailure) Error() string {
	return fmt.Sprintf("页面类型 %s 代码生成失败(已尝试%d次): %s", e.PageType, e.Attempts, e.LastError)
}

// AggregationError 没有任何可用例程,流水线终止
type AggregationError struct {
	Skipped []SkippedPageType
}

func (e *AggregationError) Error() string {
	if len(e.Skipped) == 0 {
		return "聚合失败: 没有通过验证的提取例程"
	}
	types := make([]string, len(e.Skipped))
	for i, s := range e.Skipped {
		types[i] = s.PageType
	}
	return fmt.Sprintf("聚合失败: 没有通过验证的提取例程 (跳过: %s)", strings.Join(types, ", "))
}

// SpecInferenceError 无法推断出合法的提取规格,流水线终止
type SpecInferenceError struct {
	URL string
	Err error
}

func (e *SpecInferenceError) Error() string {
	return fmt.Sprintf("推断提取规格失败 [%s]: %v", e.URL, e.Err)
}

func (e *SpecInferenceError) Unwrap() error {
	return e.Err
}

// IsFatal 判断错误是否应终止整个流水线
func IsFatal(err error) bool {
	var aggErr *AggregationError
	var specErr *SpecInferenceError
	return errors.As(err, &aggErr) || errors.As(err, &specErr)
}
