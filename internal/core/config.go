package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/crawlers"
	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/utils"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Pipeline models.RunConfig  `mapstructure:"pipeline"`
	Fetch    FetchConfig       `mapstructure:"fetch"`
	LLM      LLMConfig         `mapstructure:"llm"`
	Logging  LoggingConfig     `mapstructure:"logging"`
	Output   OutputConfig      `mapstructure:"output"`
	Headers  map[string]string `mapstructure:"headers"` // 附加请求头部,命令行 -H 优先
}

// FetchConfig 浏览器资源配置
type FetchConfig struct {
	MaxTabs          int `mapstructure:"max_tabs"`           // 标签页上限
	TabMemoryMB      int `mapstructure:"tab_memory_mb"`      // 单个标签页预估内存
	ReserveMemoryMB  int `mapstructure:"reserve_memory_mb"`  // 系统保留内存
	CPULoadThreshold int `mapstructure:"cpu_load_threshold"` // CPU负载阈值(%)
}

// ResourceConfig 转换为资源监控器配置
func (f FetchConfig) ResourceConfig() crawlers.ResourceMonitorConfig {
	const mb = 1024 * 1024
	config := crawlers.DefaultResourceMonitorConfig()
	if f.MaxTabs > 0 {
		config.MaxTabsLimit = f.MaxTabs
	}
	if f.TabMemoryMB > 0 {
		config.TabMemoryUsage = int64(f.TabMemoryMB) * mb
	}
	if f.ReserveMemoryMB > 0 {
		config.SafetyReserveMemory = int64(f.ReserveMemoryMB) * mb
	}
	if f.CPULoadThreshold > 0 {
		config.CPULoadThreshold = f.CPULoadThreshold
	}
	return config
}

// LLMConfig 模型接口配置
type LLMConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"` // 通常来自环境变量 PARSEGEN_LLM_API_KEY
	Model             string        `mapstructure:"model"`
	RepairModel       string        `mapstructure:"repair_model"` // 修复例程用的更强模型
	Temperature       float64       `mapstructure:"temperature"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MarkdownLimit     int           `mapstructure:"markdown_limit"`
	SkeletonLimit     int           `mapstructure:"skeleton_limit"`
	FallbackLinks     int           `mapstructure:"fallback_links"`
	EvalTimeout       time.Duration `mapstructure:"eval_timeout"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	BaseDir          string `mapstructure:"base_dir"`
	DomainSeparation bool   `mapstructure:"domain_separation"` // 按域名分目录
	LedgerPath       string `mapstructure:"ledger_path"`       // 为空时不记录台账
	Verify           bool   `mapstructure:"verify"`            // 用go vet检查生成的程序
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".parsegen"))
		}
	}

	setDefaults(v)

	// PARSEGEN_LLM_API_KEY -> llm.api_key
	v.SetEnvPrefix("PARSEGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	defaults := models.DefaultRunConfig()
	v.SetDefault("pipeline.max_pages", defaults.MaxPages)
	v.SetDefault("pipeline.relevance_threshold", defaults.RelevanceThreshold)
	v.SetDefault("pipeline.max_depth", defaults.MaxDepth)
	v.SetDefault("pipeline.workers", defaults.Workers)
	v.SetDefault("pipeline.fetch_timeout", defaults.FetchTimeout)
	v.SetDefault("pipeline.same_domain_only", defaults.SameDomainOnly)
	v.SetDefault("pipeline.wait_time", defaults.WaitTime)
	v.SetDefault("pipeline.headless", defaults.Headless)
	v.SetDefault("pipeline.stealth", defaults.Stealth)
	v.SetDefault("pipeline.fetch_mode", string(defaults.FetchMode))

	v.SetDefault("fetch.max_tabs", 8)
	v.SetDefault("fetch.tab_memory_mb", 100)
	v.SetDefault("fetch.reserve_memory_mb", 1024)
	v.SetDefault("fetch.cpu_load_threshold", 80)

	v.SetDefault("llm.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4.1-mini")
	v.SetDefault("llm.repair_model", "gpt-4.1")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("llm.markdown_limit", 24000)
	v.SetDefault("llm.skeleton_limit", 60000)
	v.SetDefault("llm.fallback_links", 0)
	v.SetDefault("llm.eval_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	v.SetDefault("output.base_dir", "output")
	v.SetDefault("output.domain_separation", true)
	v.SetDefault("output.ledger_path", "")
	v.SetDefault("output.verify", false)
}

// CLIFlags 命令行参数,零值表示未指定
type CLIFlags struct {
	MaxPages      int
	Threshold     float64
	MaxDepth      int
	Workers       int
	FetchMode     string
	Headless      *bool
	OutputDir     string
	LedgerPath    string
	Model         string
	RepairModel   string
	Verify        bool
	FallbackLinks int
}

// MergeCLIFlags 合并命令行参数到配置
// 命令行参数优先于配置文件
func (c *Config) MergeCLIFlags(flags CLIFlags) {
	if flags.MaxPages > 0 {
		c.Pipeline.MaxPages = flags.MaxPages
	}
	if flags.Threshold > 0 {
		c.Pipeline.RelevanceThreshold = flags.Threshold
	}
	if flags.MaxDepth > 0 {
		c.Pipeline.MaxDepth = flags.MaxDepth
	}
	if flags.Workers > 0 {
		c.Pipeline.Workers = flags.Workers
	}
	if flags.FetchMode != "" {
		c.Pipeline.FetchMode = models.FetchMode(flags.FetchMode)
	}
	if flags.Headless != nil {
		c.Pipeline.Headless = *flags.Headless
	}
	if flags.OutputDir != "" {
		c.Output.BaseDir = flags.OutputDir
	}
	if flags.LedgerPath != "" {
		c.Output.LedgerPath = flags.LedgerPath
	}
	if flags.Model != "" {
		c.LLM.Model = flags.Model
	}
	if flags.RepairModel != "" {
		c.LLM.RepairModel = flags.RepairModel
	}
	if flags.Verify {
		c.Output.Verify = true
	}
	if flags.FallbackLinks > 0 {
		c.LLM.FallbackLinks = flags.FallbackLinks
	}
}

// LogConfig 转换为日志配置
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint不能为空")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model不能为空")
	}
	if c.LLM.MaxRetries < 0 || c.LLM.MaxRetries > 10 {
		return fmt.Errorf("llm.max_retries必须在0-10之间,当前值: %d", c.LLM.MaxRetries)
	}
	return nil
}
