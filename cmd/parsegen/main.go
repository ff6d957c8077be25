package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/core"
	"github.com/RecoveryAshes/ParseGen/internal/crawlers"
	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/store"
	"github.com/RecoveryAshes/ParseGen/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string
	headers    []string

	// 提取目标
	targetURL           string
	urlFile             string
	fields              string
	specFile            string
	instructions        string
	initialInteractions string
	interactions        string
	pagination          string

	// 探索与生成
	maxPages        int
	threshold       float64
	maxDepth        int
	workers         int
	fetchMode       string
	headless        bool
	outputDir       string
	ledgerPath      string
	model           string
	repairModel     string
	verify          bool
	fallbackLinks   int
	validateHeaders bool

	// 批量处理
	batchDelay      int
	continueOnError bool

	// infer
	specOutput string
)

// appConfig 在PersistentPreRunE中加载
var appConfig *core.Config

var rootCmd = &cobra.Command{
	Use:   "parsegen",
	Short: "为网站自动生成结构化数据解析程序",
	Long: `ParseGen - 非线性网页解析代码生成工具

给定一个起始URL和需要提取的字段,ParseGen会:
  • 抓取并渲染页面(浏览器或静态模式)
  • 用LLM判断页面类型并挑选值得跟随的链接
  • 为每种页面类型生成选择器配方,在真实页面上执行验证,失败时最多修复3次
  • 把通过验证的配方聚合成一个独立的Go程序,输出CSV

示例:
  # 显式指定字段
  parsegen generate -u https://shop.example.com --fields title,price,url

  # 从YAML规格文件读取字段
  parsegen generate -u https://shop.example.com --spec spec.yaml

  # 只给出描述,由LLM推断字段
  parsegen generate -u https://shop.example.com --instructions "抓取所有商品的名称和价格"

  # 页面需要交互才能显示数据
  parsegen generate -u https://shop.example.com --fields title --interactions "click Load more; wait 2 seconds"
  parsegen generate -u https://shop.example.com --fields title --initial-interactions "click Accept" --pagination "click Next"

LLM的API Key通过环境变量 PARSEGEN_LLM_API_KEY 提供。

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		logConfig := config.LogConfig()
		if logLevel != "" {
			logConfig.Level = logLevel
		} else if verbose {
			logConfig.Level = "debug"
		}
		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		appConfig = config
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "探索目标站点并生成解析程序",
	RunE: func(cmd *cobra.Command, args []string) error {
		headerManager, err := core.NewHeaderManager(appConfig.Headers, headers)
		if err != nil {
			return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
		}

		if validateHeaders {
			return printHeaders(headerManager)
		}

		if targetURL == "" && urlFile == "" {
			return cmd.Help()
		}

		if err := ValidateFlags(targetURL, urlFile, fields, specFile, maxPages, threshold, maxDepth, workers, fetchMode); err != nil {
			return err
		}

		flags := core.CLIFlags{
			MaxPages:      maxPages,
			Threshold:     threshold,
			MaxDepth:      maxDepth,
			Workers:       workers,
			FetchMode:     fetchMode,
			OutputDir:     outputDir,
			LedgerPath:    ledgerPath,
			Model:         model,
			RepairModel:   repairModel,
			Verify:        verify,
			FallbackLinks: fallbackLinks,
		}
		if cmd.Flags().Changed("headless") {
			flags.Headless = &headless
		}
		appConfig.MergeCLIFlags(flags)
		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("配置无效: %w", err)
		}

		spec, err := loadSpec()
		if err != nil {
			return err
		}
		initialSteps, err := crawlers.ParseInteractions(initialInteractions)
		if err != nil {
			return fmt.Errorf("解析初始交互指令失败: %w", err)
		}
		steps, err := crawlers.ParseInteractions(interactions)
		if err != nil {
			return fmt.Errorf("解析交互指令失败: %w", err)
		}
		// 翻页说明可以是交互指令,也可以只是给模型的提示
		paginationSteps, err := crawlers.ParseInteractions(pagination)
		if err != nil {
			utils.Warnf("⚠️  翻页说明不是交互指令,仅作为分类提示: %v", err)
			paginationSteps = nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		components, err := core.NewComponents(appConfig, headerManager, instructions)
		if err != nil {
			return err
		}
		defer components.Close()

		options := core.PipelineOptions{
			Spec:                   spec,
			Instructions:           instructions,
			InitialInteractions:    initialSteps,
			Interactions:           steps,
			Pagination:             pagination,
			PaginationInteractions: paginationSteps,
			Ledger:                 openLedger(appConfig.Output.LedgerPath),
		}
		if options.Ledger != nil {
			defer options.Ledger.Close()
		}

		if urlFile != "" {
			urls, err := utils.ReadURLsFromFile(urlFile)
			if err != nil {
				return fmt.Errorf("读取URL文件失败: %w", err)
			}
			batch := core.NewBatchGenerator(appConfig, components, options, time.Duration(batchDelay)*time.Second, continueOnError)
			summary, err := batch.GenerateBatch(ctx, urls)
			if err != nil {
				return fmt.Errorf("批量生成失败: %w", err)
			}
			if summary.SuccessCount == 0 {
				return errors.New("没有任何目标生成成功")
			}
			utils.Info("✨ 批量生成任务完成!")
			return nil
		}

		options.TargetURL = targetURL
		pipeline, err := core.NewPipeline(appConfig, components, options)
		if err != nil {
			return fmt.Errorf("创建流水线失败: %w", err)
		}
		report, err := pipeline.Execute(ctx)
		if err != nil {
			return err
		}

		printReport(report)
		utils.Info("✨ 生成任务完成!")
		return nil
	},
}

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "只推断提取规格,输出YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		if targetURL == "" {
			return cmd.Help()
		}
		if err := ValidateURL(targetURL); err != nil {
			return fmt.Errorf("无效的目标URL: %w", err)
		}

		headerManager, err := core.NewHeaderManager(appConfig.Headers, headers)
		if err != nil {
			return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		components, err := core.NewComponents(appConfig, headerManager, instructions)
		if err != nil {
			return err
		}
		defer components.Close()

		spec, err := components.Inferencer.Infer(ctx, targetURL, instructions)
		if err != nil {
			return err
		}

		if specOutput != "" {
			if err := spec.SaveToFile(specOutput); err != nil {
				return err
			}
			utils.Infof("✅ 提取规格已保存: %s", specOutput)
			return nil
		}
		data, err := spec.YAML()
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ParseGen %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// loadSpec 显式规格优先,都没有时返回nil交给推断器
func loadSpec() (*models.ExtractionSpec, error) {
	switch {
	case specFile != "":
		spec, err := models.LoadSpecFromFile(specFile)
		if err != nil {
			return nil, err
		}
		if spec.Instructions == "" {
			spec.Instructions = instructions
		}
		return spec, nil
	case fields != "":
		spec, err := models.SpecFromFieldList(fields, instructions)
		if err != nil {
			return nil, fmt.Errorf("字段列表无效: %w", err)
		}
		return spec, nil
	}
	return nil, nil
}

// openLedger 台账不可用时只记录警告
func openLedger(path string) *store.Ledger {
	if path == "" {
		return nil
	}
	ledger, err := store.OpenLedger(path)
	if err != nil {
		utils.Warnf("⚠️  打开运行台账失败,本次不记录: %v", err)
		return nil
	}
	return ledger
}

func printHeaders(headerManager *core.HeaderManager) error {
	utils.Info("🔍 验证HTTP头部配置...")
	if err := headerManager.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}
	safeHeaders := headerManager.GetSafeHeaders()
	utils.Info("✅ 配置验证通过!")
	utils.Infof("当前有效的HTTP头部 (%d个):", len(safeHeaders))
	for name, value := range safeHeaders {
		utils.Infof("  %s: %s", name, value)
	}
	return nil
}

func printReport(report *models.RunReport) {
	stats := report.Run.Stats
	fmt.Println("\n==================================================")
	fmt.Println("📊 生成统计")
	fmt.Println("==================================================")
	fmt.Printf("✅ 访问页面: %d\n", stats.PagesVisited)
	fmt.Printf("❌ 抓取失败: %d\n", stats.FetchFailures)
	fmt.Printf("❌ 分类失败: %d\n", stats.ClassificationErrors)
	fmt.Printf("🧩 通过验证的例程: %d\n", stats.RoutinesPassing)
	fmt.Printf("⚠️  放弃的页面类型: %d\n", stats.RoutinesAbandoned)
	for _, skipped := range report.Skipped {
		fmt.Printf("   - %s: %s\n", skipped.PageType, skipped.Reason)
	}
	fmt.Printf("🤖 LLM调用: %d次\n", stats.LLMCalls)
	fmt.Printf("📦 输出: %s\n", report.OutputPath)
	fmt.Printf("⏱️  总耗时: %.2f秒\n", stats.Duration)
	fmt.Println("==================================================")
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")
	rootCmd.PersistentFlags().StringVarP(&targetURL, "url", "u", "", "目标URL")
	rootCmd.PersistentFlags().StringVar(&instructions, "instructions", "", "用自然语言描述要提取的数据")

	// generate
	f := generateCmd.Flags()
	f.StringVarP(&urlFile, "url-file", "f", "", "包含URL列表的文件路径(批量模式)")
	f.StringVar(&fields, "fields", "", "逗号分隔的字段列表,例如 title,price,url")
	f.StringVar(&specFile, "spec", "", "YAML格式的提取规格文件")
	f.StringVar(&initialInteractions, "initial-interactions", "", "只在起始页执行的交互指令,例如 \"click Accept cookies\"")
	f.StringVar(&interactions, "interactions", "", "每个页面都执行的交互指令,例如 \"click Load more; scroll 3 times\"")
	f.StringVar(&pagination, "pagination", "", "翻页说明,例如 \"click Next\" 或 \"列表底部有页码\"")
	f.IntVar(&maxPages, "max-pages", 0, "最多访问的页面数 (默认读取配置,25)")
	f.Float64Var(&threshold, "threshold", 0, "相关度阈值 0.0-1.0 (默认0.5)")
	f.IntVarP(&maxDepth, "depth", "d", 0, "最大跳数")
	f.IntVar(&workers, "workers", 0, "并发worker数")
	f.StringVarP(&fetchMode, "mode", "m", "", "抓取模式 (auto|browser|static)")
	f.BoolVar(&headless, "headless", true, "无头浏览器模式")
	f.StringVarP(&outputDir, "output", "o", "", "输出目录")
	f.StringVar(&ledgerPath, "ledger", "", "SQLite运行台账路径")
	f.StringVar(&model, "model", "", "分类与生成使用的模型")
	f.StringVar(&repairModel, "repair-model", "", "修复例程使用的模型")
	f.BoolVar(&verify, "verify", false, "用 go vet 检查生成的程序")
	f.IntVar(&fallbackLinks, "fallback-links", 0, "模型未给出候选链接时补充的页面链接数")
	f.BoolVar(&validateHeaders, "validate-headers", false, "验证HTTP头部配置后退出")
	f.IntVar(&batchDelay, "batch-delay", 1, "批量处理URL间延迟(秒)")
	f.BoolVar(&continueOnError, "continue-on-error", true, "遇到错误继续处理")

	// infer
	inferCmd.Flags().StringVarP(&specOutput, "output", "o", "", "规格输出文件 (默认输出到标准输出)")

	rootCmd.AddCommand(generateCmd, inferCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
