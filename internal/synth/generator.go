package synth

import (
	"context"

	"github.com/RecoveryAshes/ParseGen/internal/models"
)

// GenerateRequest 首次生成例程的输入
type GenerateRequest struct {
	PageType string
	Sample   *models.PageSample
	Spec     *models.ExtractionSpec
}

// RepairRequest 修复例程的输入,带上次的源码与错误
type RepairRequest struct {
	GenerateRequest
	PreviousSource string
	Error          string
	Attempt        int // 即将进行的第几次尝试
}

// Generator 生成与修复例程源码
// 实现方负责与LLM交互,返回的源码由Evaluator执行
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Repair(ctx context.Context, req RepairRequest) (string, error)
}
