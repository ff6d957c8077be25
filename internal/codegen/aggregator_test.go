package codegen

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/crawlers"
	"github.com/RecoveryAshes/ParseGen/internal/models"
)

func testSpec() *models.ExtractionSpec {
	return &models.ExtractionSpec{
		Fields: []models.FieldSpec{
			{Name: "title", Required: true},
			{Name: "price"},
			{Name: "url"},
		},
		OutputFormat: "csv",
	}
}

func passingRoutine(pageType, source string) *models.ExtractionRoutine {
	r := models.NewExtractionRoutine(pageType, "https://shop.example.com/"+pageType)
	r.Advance(source, 2, nil)
	r.Fingerprint = []string{"div." + pageType, "h1", "span.price"}
	return r
}

func abandonedRoutine(pageType string) *models.ExtractionRoutine {
	r := models.NewExtractionRoutine(pageType, "https://shop.example.com/"+pageType)
	for i := 0; i < models.MaxSynthesisAttempts; i++ {
		r.Advance(`{"fields": {}}`, 0, errors.New("没有提取到任何记录\n第二行"))
	}
	return r
}

const detailRecipe = `{"fields": {"title": {"selector": "h1"}, "price": {"selector": ".price", "pattern": "([0-9.]+)"}}}`
const listingRecipe = "{\"item_selector\": \"li.item\", \"fields\": {\"title\": {\"selector\": \"a\"}, \"url\": {\"selector\": \"a\", \"attr\": \"href\"}}}"

func TestAggregate(t *testing.T) {
	routines := []*models.ExtractionRoutine{
		passingRoutine("product_detail", detailRecipe),
		abandonedRoutine("search_results"),
		passingRoutine("category_listing", listingRecipe),
	}

	utility, err := NewAggregator("Shop Parser").Aggregate(routines, testSpec())
	if err != nil {
		t.Fatalf("聚合失败: %v", err)
	}

	if got := strings.Join(utility.DispatchOrder, ","); got != "category_listing,product_detail" {
		t.Errorf("DispatchOrder = %s", got)
	}
	mapping := utility.DispatchMapping()
	if mapping["product_detail"] != "extractProductDetailPage" || mapping["category_listing"] != "extractCategoryListingPage" {
		t.Errorf("分发映射 = %v", mapping)
	}
	if !utility.IsSkipped("search_results") || len(utility.Skipped) != 1 {
		t.Errorf("search_results应被跳过: %+v", utility.Skipped)
	}
	if strings.Contains(utility.Skipped[0].Reason, "\n") {
		t.Error("跳过原因应为单行")
	}
	if got := strings.Join(utility.Fields, ","); got != "title,price,url" {
		t.Errorf("Fields = %s", got)
	}

	source := string(utility.Source)
	for _, want := range []string{
		"// Code generated by parsegen. DO NOT EDIT.",
		"package main",
		`var columns = []string{"title", "price", "url"}`,
		"func extractProductDetailPage(doc *goquery.Document, base *url.URL)",
		`"category_listing": extractCategoryListingPage,`,
		"//   - search_results: 4次尝试均未通过验证",
		`flags.String("page-type"`,
		"exitUsage = 2",
		`flag.NewFlagSet("shop_parser"`,
	} {
		if !strings.Contains(source, want) {
			t.Errorf("生成的源码缺少 %q", want)
		}
	}
}

func TestAggregateIsDeterministic(t *testing.T) {
	build := func(order ...int) *models.AggregatedUtility {
		all := []*models.ExtractionRoutine{
			passingRoutine("product_detail", detailRecipe),
			passingRoutine("category_listing", listingRecipe),
			abandonedRoutine("search_results"),
		}
		var routines []*models.ExtractionRoutine
		for _, i := range order {
			routines = append(routines, all[i])
		}
		utility, err := NewAggregator("shop").Aggregate(routines, testSpec())
		if err != nil {
			t.Fatalf("聚合失败: %v", err)
		}
		return utility
	}

	a := build(0, 1, 2)
	b := build(2, 1, 0)
	if !bytes.Equal(a.Source, b.Source) {
		t.Error("相同例程应生成完全相同的源码")
	}
	am, bm := a.DispatchMapping(), b.DispatchMapping()
	if len(am) != len(bm) {
		t.Fatalf("分发映射不一致: %v vs %v", am, bm)
	}
	for k, v := range am {
		if bm[k] != v {
			t.Errorf("分发映射不一致: %s -> %s vs %s", k, v, bm[k])
		}
	}
}

func TestAggregateNoPassing(t *testing.T) {
	tests := []struct {
		name     string
		routines []*models.ExtractionRoutine
		skipped  int
	}{
		{"没有例程", nil, 0},
		{"全部放弃", []*models.ExtractionRoutine{abandonedRoutine("a"), abandonedRoutine("b")}, 2},
		{"配方无效", []*models.ExtractionRoutine{passingRoutine("detail", `{"fields": {"color": {}}}`)}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAggregator("").Aggregate(tt.routines, testSpec())
			var aggErr *models.AggregationError
			if !errors.As(err, &aggErr) {
				t.Fatalf("期望 AggregationError, 实际 %v", err)
			}
			if len(aggErr.Skipped) != tt.skipped {
				t.Errorf("Skipped = %d, 期望 %d", len(aggErr.Skipped), tt.skipped)
			}
			if !models.IsFatal(err) {
				t.Error("聚合失败应终止流水线")
			}
		})
	}
}

func TestFuncName(t *testing.T) {
	used := make(map[string]bool)
	tests := []struct {
		pageType string
		want     string
	}{
		{"product_detail", "extractProductDetailPage"},
		{"404", "extract404Page"},
		{"field", "extractFieldPage"},
		{"product__detail", "extractProductDetailPage2"},
	}
	for _, tt := range tests {
		t.Run(tt.pageType, func(t *testing.T) {
			if got := funcName(tt.pageType, used); got != tt.want {
				t.Errorf("funcName(%q) = %q, 期望 %q", tt.pageType, got, tt.want)
			}
		})
	}
}

func TestWriteModule(t *testing.T) {
	a := NewAggregator("shop")
	utility, err := a.Aggregate([]*models.ExtractionRoutine{passingRoutine("detail", detailRecipe)}, testSpec())
	if err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(t.TempDir(), "out", "shop")
	mainPath, err := a.WriteModule(utility, dir)
	if err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	data, err := os.ReadFile(mainPath)
	if err != nil || !bytes.Equal(data, utility.Source) {
		t.Errorf("main.go内容不一致: %v", err)
	}
	mod, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil || !strings.Contains(string(mod), "github.com/PuerkitoBio/goquery "+GoqueryVersion) {
		t.Errorf("go.mod内容不正确: %s %v", mod, err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("目录中应只有两个文件, 实际 %d 个(可能有残留的临时文件)", len(entries))
	}

	if err := a.WriteFile(&models.AggregatedUtility{}, filepath.Join(dir, "empty.go")); err == nil {
		t.Error("空源码应返回错误")
	}
}

func TestAggregateRenderMode(t *testing.T) {
	rendered := passingRoutine("product_detail", detailRecipe)
	rendered.FetchMode = models.FetchModeBrowser
	static := passingRoutine("category_listing", listingRecipe)
	static.FetchMode = models.FetchModeStatic

	tests := []struct {
		name       string
		routines   []*models.ExtractionRoutine
		wantRender bool
	}{
		{"全部静态验证", []*models.ExtractionRoutine{static}, false},
		{"存在浏览器验证的入口", []*models.ExtractionRoutine{static, rendered}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAggregator("shop")
			a.SetInteractions(
				[]crawlers.Interaction{{Action: crawlers.ActionClick, Text: "Accept"}},
				[]crawlers.Interaction{{Action: crawlers.ActionClick, Text: "Load more"}, {Action: crawlers.ActionWait, Duration: 2 * time.Second}},
			)
			utility, err := a.Aggregate(tt.routines, testSpec())
			if err != nil {
				t.Fatalf("聚合失败: %v", err)
			}
			if utility.Render != tt.wantRender {
				t.Errorf("Render = %v, 期望 %v", utility.Render, tt.wantRender)
			}
			if utility.EntryPoints["category_listing"].Rendered {
				t.Error("静态验证的入口不应标记为渲染")
			}

			source := string(utility.Source)
			mod := string(a.GoMod(utility))
			checks := []string{
				`"github.com/go-rod/rod"`,
				`flags.Bool("render", true`,
				`Pattern: "/Accept/i"`,
				`Pattern: "/Load more/i"`,
				`2000 * time.Millisecond`,
			}
			for _, want := range checks {
				if strings.Contains(source, want) != tt.wantRender {
					t.Errorf("源码包含 %s = %v, 期望 %v", want, !tt.wantRender, tt.wantRender)
				}
			}
			if strings.Contains(mod, "github.com/go-rod/rod "+RodVersion) != tt.wantRender {
				t.Errorf("go.mod = %s", mod)
			}
			if !strings.Contains(mod, "github.com/PuerkitoBio/goquery "+GoqueryVersion) {
				t.Errorf("go.mod缺少goquery: %s", mod)
			}
			if !strings.Contains(source, `doc.Find("base[href]")`) {
				t.Error("生成的程序应按 <base href> 解析相对链接")
			}
		})
	}
}
