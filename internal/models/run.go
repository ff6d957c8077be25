package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// PipelineState 流水线状态
type PipelineState string

const (
	StateInit         PipelineState = "init"
	StateInferSpec    PipelineState = "infer_spec"
	StateExploring    PipelineState = "exploring"
	StateSynthesizing PipelineState = "synthesizing"
	StateAggregating  PipelineState = "aggregating"
	StateDone         PipelineState = "done"    // 成功(可能部分)
	StateAborted      PipelineState = "aborted" // 不可恢复错误
)

// IsTerminal 是否为终态
func (s PipelineState) IsTerminal() bool {
	return s == StateDone || s == StateAborted
}

// RunConfig 单次流水线运行配置
type RunConfig struct {
	MaxPages           int           `mapstructure:"max_pages" json:"max_pages"`                     // 最多访问页面数 (默认:25)
	RelevanceThreshold float64       `mapstructure:"relevance_threshold" json:"relevance_threshold"` // 相关度阈值 (默认:0.5)
	MaxDepth           int           `mapstructure:"max_depth" json:"max_depth"`                     // 最大跳数 (默认:3)
	Workers            int           `mapstructure:"workers" json:"workers"`                         // 并发抓取/分类的worker数 (默认:2)
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`             // 单次抓取超时
	SameDomainOnly     bool          `mapstructure:"same_domain_only" json:"same_domain_only"`       // 仅跟随同域链接
	WaitTime           time.Duration `mapstructure:"wait_time" json:"wait_time"`                     // 页面加载后额外等待
	Headless           bool          `mapstructure:"headless" json:"headless"`
	Stealth            bool          `mapstructure:"stealth" json:"stealth"`
	FetchMode          FetchMode     `mapstructure:"fetch_mode" json:"fetch_mode"`
}

// DefaultRunConfig 默认运行配置
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxPages:           25,
		RelevanceThreshold: 0.5,
		MaxDepth:           3,
		Workers:            2,
		FetchTimeout:       45 * time.Second,
		SameDomainOnly:     true,
		WaitTime:           2 * time.Second,
		Headless:           true,
		Stealth:            true,
		FetchMode:          FetchModeAuto,
	}
}

// Validate 验证配置
func (c *RunConfig) Validate() error {
	if c.MaxPages < 1 || c.MaxPages > 1000 {
		return fmt.Errorf("max_pages必须在1-1000之间,当前值: %d", c.MaxPages)
	}
	if c.RelevanceThreshold < 0.0 || c.RelevanceThreshold > 1.0 {
		return fmt.Errorf("相关度阈值必须在0.0-1.0之间,当前值: %.2f", c.RelevanceThreshold)
	}
	if c.MaxDepth < 0 || c.MaxDepth > 10 {
		return fmt.Errorf("最大深度必须在0-10之间,当前值: %d", c.MaxDepth)
	}
	if c.Workers < 1 || c.Workers > 32 {
		return fmt.Errorf("worker数必须在1-32之间,当前值: %d", c.Workers)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("抓取超时必须大于0")
	}
	if c.WaitTime < 0 || c.WaitTime > time.Minute {
		return fmt.Errorf("等待时间必须在0-60秒之间")
	}
	switch c.FetchMode {
	case FetchModeBrowser, FetchModeStatic, FetchModeAuto:
	default:
		return fmt.Errorf("无效的抓取模式: %s (有效值: browser, static, auto)", c.FetchMode)
	}
	return nil
}

// RunStats 运行统计
type RunStats struct {
	PagesVisited         int     `json:"pages_visited"`
	FetchFailures        int     `json:"fetch_failures"`
	Classifications      int     `json:"classifications"`
	ClassificationErrors int     `json:"classification_errors"`
	PagesSkipped         int     `json:"pages_skipped"`
	LinksEnqueued        int     `json:"links_enqueued"`
	SynthesisRuns        int     `json:"synthesis_runs"`
	RoutinesPassing      int     `json:"routines_passing"`
	RoutinesAbandoned    int     `json:"routines_abandoned"`
	LLMCalls             int64   `json:"llm_calls"`
	Duration             float64 `json:"duration"` // 秒
}

// Run 一次流水线运行
type Run struct {
	ID           string        `json:"id"`
	TargetURL    string        `json:"target_url"`
	Domain       string        `json:"domain"`
	State        PipelineState `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Config       RunConfig     `json:"config"`
	Stats        RunStats      `json:"stats"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// NewRun 创建新的运行记录
func NewRun(targetURL string, config RunConfig) (*Run, error) {
	if err := ValidateURL(targetURL); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	parsed, _ := url.Parse(targetURL)

	return &Run{
		ID:        generateID(),
		TargetURL: targetURL,
		Domain:    parsed.Host,
		State:     StateInit,
		CreatedAt: time.Now(),
		Config:    config,
	}, nil
}

// ToJSON 序列化为JSON
func (r *Run) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// VisitedPage 报告中的已访问页面
type VisitedPage struct {
	URL            string  `json:"url"`
	PageType       string  `json:"page_type,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
	Depth          int     `json:"depth"`
	Error          string  `json:"error,omitempty"`
}

// RunReport 运行结束后写出的JSON报告
type RunReport struct {
	Run        Run                  `json:"run"`
	Spec       *ExtractionSpec      `json:"spec,omitempty"`
	Routines   []*ExtractionRoutine `json:"routines"`
	Skipped    []SkippedPageType    `json:"skipped,omitempty"`
	Visited    []VisitedPage        `json:"visited"`
	Unvisited  []FrontierItem       `json:"unvisited,omitempty"` // max_pages耗尽时剩余的队列
	OutputPath string               `json:"output_path,omitempty"`
}

// generateID 生成唯一ID
func generateID() string {
	return uuid.New().String()
}
