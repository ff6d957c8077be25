package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/models"
)

func TestLedger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger", "parsegen.db")

	ledger, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("打开台账失败: %v", err)
	}
	defer ledger.Close()

	run, err := models.NewRun("https://shop.example.com", models.DefaultRunConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.RecordRun(ctx, run, ""); err != nil {
		t.Fatalf("记录运行失败: %v", err)
	}

	pages := []models.VisitedPage{
		{URL: "https://shop.example.com", PageType: "listing", RelevanceScore: 0.9},
		{URL: "https://shop.example.com/p/1", Depth: 1, Error: "抓取失败"},
	}
	for _, p := range pages {
		if err := ledger.RecordPage(ctx, run.ID, p); err != nil {
			t.Fatalf("记录页面失败: %v", err)
		}
	}
	attempt := models.AttemptRecord{Attempt: 1, Source: "{}", Error: "没有提取到任何记录", At: time.Now()}
	if err := ledger.RecordAttempt(ctx, run.ID, "listing", attempt); err != nil {
		t.Fatalf("记录尝试失败: %v", err)
	}

	now := time.Now()
	run.State = models.StateDone
	run.CompletedAt = &now
	if err := ledger.RecordRun(ctx, run, "out/main.go"); err != nil {
		t.Fatalf("更新运行失败: %v", err)
	}

	summary, err := ledger.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if summary.State != string(models.StateDone) || summary.Pages != 2 || summary.Attempts != 1 {
		t.Errorf("概要不正确: %+v", summary)
	}
	if summary.TargetURL != "https://shop.example.com" {
		t.Errorf("TargetURL = %s", summary.TargetURL)
	}
}

func TestLedgerForeignKey(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "parsegen.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()

	err = ledger.RecordPage(context.Background(), "no-such-run", models.VisitedPage{URL: "https://a.example.com"})
	if err == nil {
		t.Error("不存在的运行ID应违反外键约束")
	}
}

func TestLedgerReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parsegen.db")
	for i := 0; i < 2; i++ {
		ledger, err := OpenLedger(path)
		if err != nil {
			t.Fatalf("第%d次打开失败: %v", i+1, err)
		}
		ledger.Close()
	}
}
