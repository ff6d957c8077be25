package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/codegen"
	"github.com/RecoveryAshes/ParseGen/internal/crawlers"
	"github.com/RecoveryAshes/ParseGen/internal/explorer"
	"github.com/RecoveryAshes/ParseGen/internal/llm"
	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/store"
	"github.com/RecoveryAshes/ParseGen/internal/synth"
	"github.com/RecoveryAshes/ParseGen/internal/utils"
	"github.com/schollz/progressbar/v3"
)

// ErrRunCancelled 运行被调用方取消,不写出任何聚合结果
var ErrRunCancelled = errors.New("运行已取消")

// idlePollInterval 队列暂时为空时worker的等待间隔
const idlePollInterval = 200 * time.Millisecond

// PipelineOptions 单次运行的输入
type PipelineOptions struct {
	TargetURL    string
	Spec         *models.ExtractionSpec // 为nil时推断
	Instructions string

	InitialInteractions    []crawlers.Interaction // 只在起始页执行
	Interactions           []crawlers.Interaction // 每个页面都执行
	Pagination             string                 // 翻页说明,写入分类提示词
	PaginationInteractions []crawlers.Interaction // 在起始页和经翻页链接到达的页面上执行

	OutputDir string        // 为空时由配置决定
	Ledger    *store.Ledger // 可为nil
}

// Pipeline 一个目标站点的完整生成流程
// Init → InferSpec? → Exploring ⇄ Synthesizing → Aggregating → Done | Aborted
type Pipeline struct {
	config     *Config
	components *Components
	options    PipelineOptions

	spec        *models.ExtractionSpec
	classifier  PageClassifier
	synthesizer *synth.Synthesizer
	explorer    *explorer.Explorer
	bar         *progressbar.ProgressBar

	active       atomic.Int32 // 正在处理页面的worker数
	synthesizing atomic.Int32 // 正在合成的页面类型数
	llmCalls     int64        // 开始时的LLM调用数,组件在批量运行间共享

	mu         sync.Mutex
	run        *models.Run
	visited    []models.VisitedPage
	utility    *models.AggregatedUtility
	outputPath string
}

// NewPipeline 创建流水线
func NewPipeline(config *Config, components *Components, options PipelineOptions) (*Pipeline, error) {
	if err := components.Validate(); err != nil {
		return nil, err
	}
	if options.Spec != nil {
		if err := options.Spec.Validate(); err != nil {
			return nil, fmt.Errorf("提取规格无效: %w", err)
		}
	}
	run, err := models.NewRun(options.TargetURL, config.Pipeline)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		config:     config,
		components: components,
		options:    options,
		run:        run,
	}, nil
}

// Run 返回当前运行记录的快照
func (p *Pipeline) Run() models.Run {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.run
}

// State 当前状态
func (p *Pipeline) State() models.PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run.State
}

// OutputDir 本次运行的输出目录
func (p *Pipeline) OutputDir() string {
	if p.options.OutputDir != "" {
		return p.options.OutputDir
	}
	if !p.config.Output.DomainSeparation {
		return p.config.Output.BaseDir
	}
	return filepath.Join(p.config.Output.BaseDir, strings.ReplaceAll(p.run.Domain, ":", "_"))
}

// Execute 执行整个流程并写出报告
// 返回的报告在中止时也不为nil,便于调用方汇总
func (p *Pipeline) Execute(ctx context.Context) (*models.RunReport, error) {
	start := time.Now()
	p.mu.Lock()
	p.run.StartedAt = &start
	p.mu.Unlock()
	if p.components.LLMUsage != nil {
		p.llmCalls = p.components.LLMUsage.Calls()
	}

	utils.Infof("🚀 开始生成解析程序")
	utils.Infof("目标URL: %s", p.run.TargetURL)
	utils.Infof("运行ID: %s", p.run.ID)
	utils.Infof("输出目录: %s", p.OutputDir())
	p.saveRun(ctx)

	err := p.execute(ctx)
	return p.finish(ctx, err)
}

func (p *Pipeline) execute(ctx context.Context) error {
	spec, err := p.resolveSpec(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrRunCancelled, ctx.Err())
		}
		return err
	}
	p.spec = spec
	p.classifier = p.components.NewClassifier(spec)
	p.synthesizer = synth.NewSynthesizer(p.components.Generator, p.components.Evaluator)
	if p.options.Ledger != nil {
		p.synthesizer.OnAttempt(func(routine *models.ExtractionRoutine, attempt models.AttemptRecord) {
			if err := p.options.Ledger.RecordAttempt(context.WithoutCancel(ctx), p.run.ID, routine.PageType, attempt); err != nil {
				utils.Warnf("台账记录合成尝试失败: %v", err)
			}
		})
	}

	exp, err := explorer.New(explorer.ConfigFromRun(p.run.TargetURL, p.config.Pipeline), explorer.NewRoutineTable())
	if err != nil {
		return err
	}
	p.explorer = exp

	p.setState(models.StateExploring)
	p.bar = utils.NewProgressBar(p.config.Pipeline.MaxPages, "🔍 探索页面")
	err = p.explore(ctx)
	_ = p.bar.Finish()
	exp.Close()

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrRunCancelled, ctx.Err())
	}
	if err != nil {
		return err
	}
	if dropped := exp.Dropped(); dropped > 0 {
		utils.Debugf("出队时丢弃%d个已有例程类型的URL", dropped)
	}

	return p.aggregate(ctx)
}

// resolveSpec 使用显式规格或推断规格
func (p *Pipeline) resolveSpec(ctx context.Context) (*models.ExtractionSpec, error) {
	if p.options.Spec != nil {
		return p.options.Spec, nil
	}
	if p.components.Inferencer == nil {
		return nil, &models.SpecInferenceError{URL: p.run.TargetURL, Err: errors.New("未提供提取规格且没有可用的推断器")}
	}

	p.setState(models.StateInferSpec)
	utils.Infof("🧠 未指定提取字段,正在推断提取规格...")
	spec, err := p.components.Inferencer.Infer(ctx, p.run.TargetURL, p.options.Instructions)
	if err != nil {
		return nil, err
	}
	utils.Infof("✅ 推断出%d个字段: %s", len(spec.Fields), strings.Join(spec.FieldNames(), ", "))
	return spec, nil
}

// explore 先单独处理起始页,再启动worker池
func (p *Pipeline) explore(ctx context.Context) error {
	item, ok := p.explorer.Next()
	if !ok {
		return errors.New("待访问队列为空")
	}
	_ = p.bar.Add(1)
	if err := p.processPage(ctx, item, true); err != nil {
		return fmt.Errorf("起始页面处理失败: %w", err)
	}

	workers := p.workerCount()
	utils.Debugf("启动%d个worker", workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()

	if p.explorer.Exhausted() {
		utils.Infof("已达到页面上限(%d),剩余%d个URL未访问", p.config.Pipeline.MaxPages, p.explorer.Frontier().Len())
	}
	return nil
}

// workerCount 取配置值与资源监控上限中的较小者
func (p *Pipeline) workerCount() int {
	n := p.config.Pipeline.Workers
	if p.components.Monitor != nil {
		if maxTabs := p.components.Monitor.CalculateMaxTabs(); maxTabs > 0 && maxTabs < n {
			n = maxTabs
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// worker 从探索器拉取URL并处理
// 所有worker空闲且队列为空时退出
func (p *Pipeline) worker(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}

		// 先计入活跃数再出队,空闲判断不会漏掉正在处理的页面
		p.active.Add(1)
		item, ok := p.explorer.Next()
		if !ok {
			remaining := p.active.Add(-1)
			if p.explorer.Exhausted() || (remaining == 0 && p.explorer.Frontier().Len() == 0) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePollInterval):
			}
			continue
		}

		_ = p.bar.Add(1)
		if err := p.processPage(ctx, item, false); err != nil {
			utils.Warnf("Worker %d 处理失败 [%s]: %v", workerID, item.URL, err)
		}
		p.active.Add(-1)
	}
}

// interactionsFor 页面上要执行的交互: 初始动作 → 每页动作 → 翻页动作
func (p *Pipeline) interactionsFor(item models.FrontierItem, start bool) []crawlers.Interaction {
	var steps []crawlers.Interaction
	if start {
		steps = append(steps, p.options.InitialInteractions...)
	}
	steps = append(steps, p.options.Interactions...)
	if start || item.Pagination {
		steps = append(steps, p.options.PaginationInteractions...)
	}
	return steps
}

// processPage 抓取 → 分类 → 扩展队列 → (需要时)合成
// 抓取或分类失败时返回错误,该URL被丢弃
// 单页超时由抓取器自己控制,降级抓取需要独立的时限
func (p *Pipeline) processPage(ctx context.Context, item models.FrontierItem, start bool) error {
	page := models.VisitedPage{URL: item.URL, Depth: item.Depth}

	sample, err := p.components.Fetcher.Fetch(ctx, item.URL, p.interactionsFor(item, start))
	if err != nil {
		p.updateStats(func(s *models.RunStats) { s.FetchFailures++ })
		page.Error = err.Error()
		p.recordPage(ctx, page)
		return err
	}
	sample.Depth = item.Depth
	sample.ParentURL = item.ParentURL

	classification, err := p.classifier.Classify(ctx, sample, llm.PageContext{
		VisitedTypes: p.explorer.Routines().VisitedTypes(),
		ParentType:   item.OriginPageType,
		Pagination:   p.options.Pagination,
	})
	if err != nil {
		p.updateStats(func(s *models.RunStats) { s.ClassificationErrors++ })
		page.Error = err.Error()
		p.recordPage(ctx, page)
		return err
	}

	page.PageType = classification.PageType
	page.RelevanceScore = classification.RelevanceScore
	added := p.explorer.Record(sample, classification)
	p.updateStats(func(s *models.RunStats) {
		s.Classifications++
		s.LinksEnqueued += len(added)
		if classification.Skip {
			s.PagesSkipped++
		}
	})
	p.recordPage(ctx, page)

	utils.Debugf("📄 %s → %s (%.2f), 新增%d个链接", item.URL, classification.PageType, classification.RelevanceScore, len(added))

	if p.explorer.ShouldSynthesize(classification) && p.explorer.Routines().Claim(classification.PageType) {
		p.synthesize(ctx, classification.PageType, sample)
	}
	return nil
}

// synthesize 为新页面类型生成例程,结果写回例程表
func (p *Pipeline) synthesize(ctx context.Context, pageType string, sample *models.PageSample) {
	if p.synthesizing.Add(1) == 1 {
		p.transition(models.StateExploring, models.StateSynthesizing)
	}
	defer func() {
		if p.synthesizing.Add(-1) == 0 {
			p.transition(models.StateSynthesizing, models.StateExploring)
		}
	}()

	p.updateStats(func(s *models.RunStats) { s.SynthesisRuns++ })
	utils.Infof("🛠️  为页面类型 %s 生成提取例程 (样本: %s)", pageType, sample.URL)

	routine, err := p.synthesizer.Synthesize(ctx, pageType, sample, p.spec)
	if routine != nil {
		routine.Fingerprint = codegen.Fingerprint(sample.Content)
		routine.FetchMode = sample.FetchMode
	}
	p.explorer.Routines().Complete(routine)

	var failure *models.SynthesisFailure
	switch {
	case err == nil:
		utils.Infof("✅ 页面类型 %s 的提取例程已通过验证", pageType)
	case errors.As(err, &failure):
		utils.Warnf("⚠️  放弃页面类型 %s: %v", pageType, err)
	default:
		utils.Debugf("页面类型 %s 合成中断: %v", pageType, err)
	}
}

// aggregate 生成并写出独立程序
func (p *Pipeline) aggregate(ctx context.Context) error {
	p.setState(models.StateAggregating)

	aggregator := codegen.NewAggregator(models.NormalizeLabel(p.run.Domain) + "_parser")
	aggregator.SetInteractions(p.options.InitialInteractions, p.options.Interactions)
	utility, err := aggregator.Aggregate(p.explorer.Routines().Routines(), p.spec)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.utility = utility
	p.mu.Unlock()

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrRunCancelled, ctx.Err())
	}

	outDir := p.OutputDir()
	mainPath, err := aggregator.WriteModule(utility, outDir)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.outputPath = mainPath
	p.mu.Unlock()
	utils.Infof("✅ 解析程序已生成: %s (%d个页面类型)", mainPath, len(utility.DispatchOrder))

	if err := p.spec.SaveToFile(filepath.Join(outDir, "spec.yaml")); err != nil {
		utils.Warnf("保存提取规格失败: %v", err)
	}

	if v := p.components.Verifier; v != nil && v.Available() {
		if err := v.Verify(ctx, aggregator, utility); err != nil {
			utils.Warnf("⚠️  生成的程序未通过检查: %v", err)
		}
	}
	return nil
}

// finish 进入终态,写出报告和台账
func (p *Pipeline) finish(ctx context.Context, runErr error) (*models.RunReport, error) {
	now := time.Now()

	p.mu.Lock()
	if runErr != nil {
		p.run.State = models.StateAborted
		p.run.ErrorMessage = runErr.Error()
	} else {
		p.run.State = models.StateDone
	}
	p.run.CompletedAt = &now
	p.run.Stats.PagesVisited = len(p.visited)
	if p.components.LLMUsage != nil {
		p.run.Stats.LLMCalls = p.components.LLMUsage.Calls() - p.llmCalls
	}
	if p.run.StartedAt != nil {
		p.run.Stats.Duration = now.Sub(*p.run.StartedAt).Seconds()
	}
	if p.explorer != nil {
		p.run.Stats.RoutinesPassing = len(p.explorer.Routines().Passing())
		p.run.Stats.RoutinesAbandoned = len(p.explorer.Routines().Abandoned())
	}
	p.mu.Unlock()

	report := p.buildReport()
	p.saveRun(ctx)

	if !errors.Is(runErr, ErrRunCancelled) {
		if err := utils.NewReporter(p.OutputDir()).GenerateReport(report); err != nil {
			utils.Warnf("生成报告失败: %v", err)
		}
	}

	stats := report.Run.Stats
	if runErr != nil {
		utils.Errorf("❌ 运行中止: %v", runErr)
	} else {
		utils.Infof("✅ 运行完成")
	}
	utils.Infof("访问页面: %d (抓取失败 %d, 分类失败 %d)", stats.PagesVisited, stats.FetchFailures, stats.ClassificationErrors)
	utils.Infof("提取例程: 通过 %d, 放弃 %d", stats.RoutinesPassing, stats.RoutinesAbandoned)
	utils.Infof("LLM调用: %d次", stats.LLMCalls)
	utils.Infof("总耗时: %.2f秒", stats.Duration)

	return report, runErr
}

func (p *Pipeline) buildReport() *models.RunReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := &models.RunReport{
		Run:        *p.run,
		Spec:       p.spec,
		Visited:    append([]models.VisitedPage(nil), p.visited...),
		OutputPath: p.outputPath,
	}
	if p.explorer != nil {
		report.Routines = p.explorer.Routines().Routines()
		report.Unvisited = p.explorer.Frontier().Pending()
	}
	if p.utility != nil {
		report.Skipped = p.utility.Skipped
	}
	return report
}

func (p *Pipeline) setState(state models.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.run.State = state
	utils.Debugf("状态: %s", state)
}

// transition 仅在当前状态为from时切换
func (p *Pipeline) transition(from, to models.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run.State == from {
		p.run.State = to
	}
}

func (p *Pipeline) updateStats(update func(*models.RunStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	update(&p.run.Stats)
}

func (p *Pipeline) recordPage(ctx context.Context, page models.VisitedPage) {
	p.mu.Lock()
	p.visited = append(p.visited, page)
	p.mu.Unlock()

	if p.options.Ledger != nil {
		if err := p.options.Ledger.RecordPage(context.WithoutCancel(ctx), p.run.ID, page); err != nil {
			utils.Warnf("台账记录页面失败: %v", err)
		}
	}
}

func (p *Pipeline) saveRun(ctx context.Context) {
	if p.options.Ledger == nil {
		return
	}
	run := p.Run()
	p.mu.Lock()
	outputPath := p.outputPath
	p.mu.Unlock()
	if err := p.options.Ledger.RecordRun(context.WithoutCancel(ctx), &run, outputPath); err != nil {
		utils.Warnf("台账记录运行失败: %v", err)
	}
}
