package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/utils"
)

// BatchGenerator 批量生成器
// 每个目标站点运行一条独立的流水线,共享抓取器与LLM客户端
type BatchGenerator struct {
	config        *Config
	components    *Components
	template      PipelineOptions // TargetURL与OutputDir按目标填充
	batchDelay    time.Duration
	continueOnErr bool
}

// BatchResult 单个目标的结果
type BatchResult struct {
	URL         string
	Success     bool
	Error       error
	Report      *models.RunReport
	OutputDir   string
	ProcessedAt time.Time
	Duration    float64
}

// BatchSummary 批量生成摘要
type BatchSummary struct {
	TotalURLs       int
	SuccessCount    int
	FailCount       int
	RoutinesPassing int
	TotalDuration   float64
	Results         []BatchResult
}

// NewBatchGenerator 创建批量生成器
func NewBatchGenerator(config *Config, components *Components, template PipelineOptions, batchDelay time.Duration, continueOnErr bool) *BatchGenerator {
	return &BatchGenerator{
		config:        config,
		components:    components,
		template:      template,
		batchDelay:    batchDelay,
		continueOnErr: continueOnErr,
	}
}

// GenerateBatch 依次处理URL列表
// 取消时立即停止,已完成的结果仍然返回
func (bg *BatchGenerator) GenerateBatch(ctx context.Context, urls []string) (*BatchSummary, error) {
	utils.Infof("🚀 开始批量生成: %d个URL", len(urls))

	summary := &BatchSummary{
		TotalURLs: len(urls),
		Results:   make([]BatchResult, 0, len(urls)),
	}
	startTime := time.Now()
	usedDirs := make(map[string]int)

	for i, targetURL := range urls {
		if ctx.Err() != nil {
			break
		}
		utils.Infof("==================== [%d/%d] ====================", i+1, len(urls))
		utils.Infof("目标URL: %s", targetURL)

		result := bg.generateSingle(ctx, targetURL, usedDirs)
		summary.Results = append(summary.Results, result)

		if result.Success {
			summary.SuccessCount++
			summary.RoutinesPassing += result.Report.Run.Stats.RoutinesPassing
		} else {
			summary.FailCount++
			utils.Errorf("❌ 生成失败: %v", result.Error)
			if !bg.continueOnErr {
				utils.Warn("批量生成中止 (--continue-on-error=false)")
				break
			}
		}

		// 最后一个URL不需要延迟
		if i < len(urls)-1 && bg.batchDelay > 0 {
			utils.Debugf("等待 %.0f 秒后处理下一个URL...", bg.batchDelay.Seconds())
			select {
			case <-ctx.Done():
			case <-time.After(bg.batchDelay):
			}
		}
	}

	summary.TotalDuration = time.Since(startTime).Seconds()
	bg.printSummary(summary)

	if ctx.Err() != nil {
		return summary, fmt.Errorf("%w: %w", ErrRunCancelled, ctx.Err())
	}
	return summary, nil
}

// generateSingle 为单个目标运行流水线
func (bg *BatchGenerator) generateSingle(ctx context.Context, targetURL string, usedDirs map[string]int) BatchResult {
	result := BatchResult{URL: targetURL, ProcessedAt: time.Now()}
	startTime := time.Now()
	defer func() {
		result.Duration = time.Since(startTime).Seconds()
	}()

	options := bg.template
	options.TargetURL = targetURL
	options.OutputDir = bg.targetDir(targetURL, usedDirs)
	result.OutputDir = options.OutputDir

	pipeline, err := NewPipeline(bg.config, bg.components, options)
	if err != nil {
		result.Error = fmt.Errorf("创建流水线失败: %w", err)
		return result
	}

	report, err := pipeline.Execute(ctx)
	result.Report = report
	if err != nil {
		result.Error = err
		return result
	}
	result.Success = true
	return result
}

// targetDir 每个目标一个输出目录,同域名多个目标时追加序号
func (bg *BatchGenerator) targetDir(targetURL string, usedDirs map[string]int) string {
	name := "target"
	if run, err := models.NewRun(targetURL, bg.config.Pipeline); err == nil {
		name = strings.ReplaceAll(run.Domain, ":", "_")
	}
	usedDirs[name]++
	if n := usedDirs[name]; n > 1 {
		name = fmt.Sprintf("%s_%d", name, n)
	}
	return filepath.Join(bg.config.Output.BaseDir, name)
}

// printSummary 打印批量生成摘要
func (bg *BatchGenerator) printSummary(summary *BatchSummary) {
	utils.Info("==================================================")
	utils.Info("📊 批量生成摘要")
	utils.Info("==================================================")
	utils.Infof("总URL数: %d", summary.TotalURLs)
	utils.Infof("✅ 成功: %d", summary.SuccessCount)
	utils.Infof("❌ 失败: %d", summary.FailCount)
	utils.Infof("🧩 通过验证的例程: %d", summary.RoutinesPassing)
	utils.Infof("⏱️  总耗时: %.2f秒", summary.TotalDuration)
	utils.Info("==================================================")

	if summary.FailCount > 0 {
		utils.Warn("失败的URL:")
		for _, result := range summary.Results {
			if !result.Success {
				utils.Warnf("  - %s: %v", result.URL, result.Error)
			}
		}
	}
}
