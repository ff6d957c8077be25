package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/codegen"
	"github.com/RecoveryAshes/ParseGen/internal/crawlers"
	"github.com/RecoveryAshes/ParseGen/internal/llm"
	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/synth"
)

// PageClassifier 页面分类器
type PageClassifier interface {
	Classify(ctx context.Context, sample *models.PageSample, pageCtx llm.PageContext) (*models.PageClassification, error)
}

// SpecInferrer 提取规格推断器
type SpecInferrer interface {
	Infer(ctx context.Context, targetURL, instructions string) (*models.ExtractionSpec, error)
}

// CallCounter 累计的LLM调用次数
type CallCounter interface {
	Calls() int64
}

// Components 流水线使用的外部组件
// 分类器依赖提取规格,规格可能在运行中才推断出来,所以以工厂函数给出
type Components struct {
	Fetcher       crawlers.Fetcher
	Monitor       *crawlers.ResourceMonitor // 可为nil
	Inferencer    SpecInferrer              // 可为nil,此时必须显式提供规格
	NewClassifier func(spec *models.ExtractionSpec) PageClassifier
	Generator     synth.Generator
	Evaluator     synth.Evaluator
	Verifier      *codegen.UtilityVerifier // 可为nil
	LLMUsage      CallCounter              // 可为nil
}

// NewComponents 按配置创建真实组件
func NewComponents(config *Config, headerProvider models.HeaderProvider, instructions string) (*Components, error) {
	fetcher, monitor, err := crawlers.NewFetcher(config.Pipeline.FetchMode, crawlers.BrowserFetcherConfig{
		Headless: config.Pipeline.Headless,
		Stealth:  config.Pipeline.Stealth,
		Timeout:  config.Pipeline.FetchTimeout,
		WaitTime: config.Pipeline.WaitTime,
		Resource: config.Fetch.ResourceConfig(),
	}, headerProvider)
	if err != nil {
		return nil, fmt.Errorf("创建抓取器失败: %w", err)
	}
	if monitor != nil {
		monitor.StartMonitoring(time.Second)
	}

	client := llm.NewClient(llm.ClientConfig{
		Endpoint:          config.LLM.Endpoint,
		APIKey:            config.LLM.APIKey,
		Model:             config.LLM.Model,
		Temperature:       config.LLM.Temperature,
		Timeout:           config.LLM.Timeout,
		MaxRetries:        config.LLM.MaxRetries,
		RequestsPerMinute: config.LLM.RequestsPerMinute,
	})
	compactor := llm.NewContentCompactor(config.LLM.MarkdownLimit, config.LLM.SkeletonLimit)

	classifierOptions := llm.ClassifierOptions{
		Model:          config.LLM.Model,
		Instructions:   instructions,
		SameDomainOnly: config.Pipeline.SameDomainOnly,
		FallbackLinks:  config.LLM.FallbackLinks,
	}

	c := &Components{
		Fetcher:    fetcher,
		Monitor:    monitor,
		Inferencer: llm.NewSpecInferencer(client, compactor, fetcher, config.LLM.Model),
		NewClassifier: func(spec *models.ExtractionSpec) PageClassifier {
			return llm.NewClassifier(client, compactor, spec, classifierOptions)
		},
		Generator: llm.NewCodeGenerator(client, compactor, llm.GeneratorOptions{
			Model:       config.LLM.Model,
			RepairModel: config.LLM.RepairModel,
		}),
		Evaluator: synth.NewSelectorEvaluator(config.LLM.EvalTimeout),
		LLMUsage:  client,
	}
	if config.Output.Verify {
		c.Verifier = codegen.NewUtilityVerifier(0)
	}
	return c, nil
}

// Validate 检查必需组件
func (c *Components) Validate() error {
	switch {
	case c.Fetcher == nil:
		return errors.New("缺少抓取器")
	case c.NewClassifier == nil:
		return errors.New("缺少分类器")
	case c.Generator == nil:
		return errors.New("缺少代码生成器")
	case c.Evaluator == nil:
		return errors.New("缺少例程执行器")
	}
	return nil
}

// Close 释放浏览器与资源监控
func (c *Components) Close() error {
	if c.Monitor != nil {
		c.Monitor.StopMonitoring()
	}
	if c.Fetcher != nil {
		return c.Fetcher.Close()
	}
	return nil
}
