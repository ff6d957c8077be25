package synth

import (
	"context"
	"errors"
	"fmt"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/rs/zerolog/log"
)

// AttemptHook 每次尝试结束后的回调,用于记录到台账
type AttemptHook func(routine *models.ExtractionRoutine, attempt models.AttemptRecord)

// Synthesizer 生成 -> 执行 -> 修复 循环
// 每个页面类型最多 models.MaxSynthesisAttempts 次
type Synthesizer struct {
	generator Generator
	evaluator Evaluator
	onAttempt AttemptHook
}

// NewSynthesizer 创建例程合成器
func NewSynthesizer(generator Generator, evaluator Evaluator) *Synthesizer {
	return &Synthesizer{generator: generator, evaluator: evaluator}
}

// OnAttempt 设置尝试回调
func (s *Synthesizer) OnAttempt(hook AttemptHook) {
	s.onAttempt = hook
}

// Synthesize 为页面类型生成通过验证的例程
// 重试耗尽时返回例程本身和 *models.SynthesisFailure
func (s *Synthesizer) Synthesize(ctx context.Context, pageType string, sample *models.PageSample, spec *models.ExtractionSpec) (*models.ExtractionRoutine, error) {
	routine := models.NewExtractionRoutine(pageType, sample.URL)
	base := GenerateRequest{PageType: pageType, Sample: sample, Spec: spec}

	for !routine.Status.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return routine, err
		}

		attempt := routine.AttemptCount + 1
		var (
			source string
			err    error
		)
		if attempt == 1 {
			source, err = s.generator.Generate(ctx, base)
		} else {
			source, err = s.generator.Repair(ctx, RepairRequest{
				GenerateRequest: base,
				PreviousSource:  routine.Source,
				Error:           routine.LastError,
				Attempt:         attempt,
			})
		}
		if err != nil && ctx.Err() != nil {
			return routine, ctx.Err()
		}

		records := 0
		if err == nil {
			var out []map[string]string
			out, err = s.evaluator.Evaluate(ctx, source, sample, spec)
			records = len(out)
			if err != nil && errors.Is(err, context.Canceled) {
				return routine, err
			}
		} else {
			err = fmt.Errorf("生成失败: %w", err)
			if source == "" {
				source = routine.Source
			}
		}

		if advErr := routine.Advance(source, records, err); advErr != nil {
			return routine, advErr
		}
		last := routine.History[len(routine.History)-1]
		if s.onAttempt != nil {
			s.onAttempt(routine, last)
		}

		if err != nil {
			log.Warn().
				Str("page_type", pageType).
				Int("attempt", attempt).
				Str("error", last.Error).
				Msg("⚠️  提取例程验证失败")
		} else {
			log.Info().
				Str("page_type", pageType).
				Int("attempt", attempt).
				Int("records", records).
				Msg("✅ 提取例程验证通过")
		}
	}

	if routine.Status == models.StatusAbandoned {
		return routine, &models.SynthesisFailure{
			PageType:  pageType,
			Attempts:  routine.AttemptCount,
			LastError: routine.LastError,
		}
	}
	return routine, nil
}
