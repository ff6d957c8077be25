package codegen

import (
	"bytes"
	_ "embed"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/RecoveryAshes/ParseGen/internal/crawlers"
	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/synth"
	"github.com/RecoveryAshes/ParseGen/internal/utils"
)

const (
	// GoqueryVersion 生成程序依赖的goquery版本
	GoqueryVersion = "v1.10.2"
	// RodVersion 渲染模式下生成程序依赖的rod版本
	RodVersion = "v0.116.2"
)

//go:embed templates/utility.go.tmpl
var utilityTemplateText string

var utilityTemplate = template.Must(template.New("utility").Funcs(template.FuncMap{
	"quote":    strconv.Quote,
	"goString": goString,
}).Parse(utilityTemplateText))

// Aggregator 把通过验证的例程合并为一个独立的Go程序
type Aggregator struct {
	name    string
	initial []crawlers.Interaction
	perPage []crawlers.Interaction
}

// NewAggregator 创建聚合器,name为生成程序的名称
func NewAggregator(name string) *Aggregator {
	name = models.NormalizeLabel(name)
	if name == "" {
		name = "parser"
	}
	return &Aggregator{name: name}
}

// Name 生成程序的名称
func (a *Aggregator) Name() string {
	return a.name
}

// SetInteractions 渲染模式下回放的交互: initial只在第一个页面执行,perPage每个页面都执行
func (a *Aggregator) SetInteractions(initial, perPage []crawlers.Interaction) {
	a.initial = initial
	a.perPage = perPage
}

type templateData struct {
	Name        string
	Fields      []string
	EntryPoints []models.EntryPoint
	Skipped     []models.SkippedPageType
	Render      bool
	FirstSteps  []replayStep
	Steps       []replayStep
}

// replayStep 写入生成程序的交互字面量
type replayStep struct {
	Action     string
	Selector   string
	Pattern    string // 按文字点击时的JS正则
	Script     string
	WaitMillis int64
	Repeat     int
}

func replaySteps(interactions []crawlers.Interaction) []replayStep {
	steps := make([]replayStep, 0, len(interactions))
	for _, in := range interactions {
		step := replayStep{
			Action:     string(in.Action),
			Selector:   in.Selector,
			Script:     in.Script,
			WaitMillis: in.Duration.Milliseconds(),
			Repeat:     in.Repeat,
		}
		if in.Action == crawlers.ActionClick && in.Selector == "" {
			step.Pattern = crawlers.TextPattern(in.Text)
		}
		steps = append(steps, step)
	}
	return steps
}

// Aggregate 生成程序源码
// 只有passing的例程成为入口,其余记入Skipped;没有任何入口时返回 *models.AggregationError
func (a *Aggregator) Aggregate(routines []*models.ExtractionRoutine, spec *models.ExtractionSpec) (*models.AggregatedUtility, error) {
	sorted := make([]*models.ExtractionRoutine, 0, len(routines))
	for _, r := range routines {
		if r != nil {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PageType < sorted[j].PageType })

	utility := &models.AggregatedUtility{
		EntryPoints:  make(map[string]models.EntryPoint),
		Fields:       spec.FieldNames(),
		TargetFormat: spec.OutputFormat,
	}
	usedNames := make(map[string]bool)

	for _, r := range sorted {
		if _, dup := utility.EntryPoints[r.PageType]; dup {
			continue
		}
		if r.Status != models.StatusPassing {
			utility.Skipped = append(utility.Skipped, models.SkippedPageType{
				PageType: r.PageType,
				Reason:   skipReason(r),
			})
			continue
		}
		recipe, err := synth.ParseRecipe(r.Source, spec)
		if err != nil {
			utility.Skipped = append(utility.Skipped, models.SkippedPageType{
				PageType: r.PageType,
				Reason:   oneLine(fmt.Sprintf("配方无效: %v", err)),
			})
			continue
		}

		ep := models.EntryPoint{
			PageType:    r.PageType,
			FuncName:    funcName(r.PageType, usedNames),
			Recipe:      recipe.Source(),
			Fingerprint: r.Fingerprint,
			Rendered:    r.FetchMode == models.FetchModeBrowser,
		}
		if ep.Rendered {
			utility.Render = true
		}
		utility.EntryPoints[r.PageType] = ep
		utility.DispatchOrder = append(utility.DispatchOrder, r.PageType)
	}

	if len(utility.EntryPoints) == 0 {
		return nil, &models.AggregationError{Skipped: utility.Skipped}
	}

	data := templateData{
		Name:    a.name,
		Fields:  utility.Fields,
		Skipped: utility.Skipped,
		Render:  utility.Render,
	}
	if utility.Render {
		data.FirstSteps = replaySteps(a.initial)
		data.Steps = replaySteps(a.perPage)
	}
	for _, pageType := range utility.DispatchOrder {
		data.EntryPoints = append(data.EntryPoints, utility.EntryPoints[pageType])
	}

	var buf bytes.Buffer
	if err := utilityTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("渲染程序模板失败: %w", err)
	}
	source, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("生成的程序无法格式化: %w", err)
	}
	utility.Source = source

	utils.Infof("🧩 聚合完成: %d 个入口, %d 个页面类型被跳过, 浏览器渲染: %v", len(utility.EntryPoints), len(utility.Skipped), utility.Render)
	return utility, nil
}

// WriteFile 原子写入程序源码
func (a *Aggregator) WriteFile(utility *models.AggregatedUtility, path string) error {
	if len(utility.Source) == 0 {
		return fmt.Errorf("程序源码为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	if err := utils.WriteFileAtomic(path, utility.Source, 0644); err != nil {
		return fmt.Errorf("写入程序失败: %w", err)
	}
	return nil
}

// WriteModule 在dir下写出main.go和go.mod,返回main.go路径
func (a *Aggregator) WriteModule(utility *models.AggregatedUtility, dir string) (string, error) {
	mainPath := filepath.Join(dir, "main.go")
	if err := a.WriteFile(utility, mainPath); err != nil {
		return "", err
	}
	if err := utils.WriteFileAtomic(filepath.Join(dir, "go.mod"), a.GoMod(utility), 0644); err != nil {
		return "", fmt.Errorf("写入go.mod失败: %w", err)
	}
	return mainPath, nil
}

// GoMod 生成程序的go.mod,渲染模式额外依赖rod
func (a *Aggregator) GoMod(utility *models.AggregatedUtility) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "module %s\n\ngo 1.24\n\nrequire (\n", a.name)
	fmt.Fprintf(&b, "\tgithub.com/PuerkitoBio/goquery %s\n", GoqueryVersion)
	if utility != nil && utility.Render {
		fmt.Fprintf(&b, "\tgithub.com/go-rod/rod %s\n", RodVersion)
	}
	b.WriteString(")\n")
	return []byte(b.String())
}

func skipReason(r *models.ExtractionRoutine) string {
	switch r.Status {
	case models.StatusAbandoned:
		return oneLine(fmt.Sprintf("%d次尝试均未通过验证: %s", r.AttemptCount, r.LastError))
	default:
		return fmt.Sprintf("例程状态为%s", r.Status)
	}
}

// funcName product_detail -> extractProductDetailPage
func funcName(pageType string, used map[string]bool) string {
	var b strings.Builder
	b.WriteString("extract")
	for _, part := range strings.Split(pageType, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	b.WriteString("Page")

	name := b.String()
	for i := 2; used[name]; i++ {
		name = fmt.Sprintf("%s%d", b.String(), i)
	}
	used[name] = true
	return name
}

// oneLine 模板中的原因写在注释里,必须是单行
func oneLine(s string) string {
	return utils.Truncate(strings.Join(strings.Fields(s), " "), 200)
}

// goString 优先使用原始字符串字面量,保持配方可读
func goString(s string) string {
	if !strings.Contains(s, "`") && !strings.Contains(s, "\r") {
		return "`" + s + "`"
	}
	return strconv.Quote(s)
}
