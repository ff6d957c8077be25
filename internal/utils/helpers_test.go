package utils

import (
	"os"
	"path/filepath"
	"testing"
	"unicode/utf8"

	"github.com/RecoveryAshes/ParseGen/internal/models"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	path := filepath.Join(dir, "main.go")

	if err := WriteFileAtomic(path, []byte("package main\n"), 0644); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("package main // v2\n"), 0644); err != nil {
		t.Fatalf("覆盖写入失败: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "package main // v2\n" {
		t.Errorf("内容不正确: %q %v", data, err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("目录中应只有一个文件, 实际 %d 个", len(entries))
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"不需要截断", "hello", 10, "hello"},
		{"ASCII截断", "hello world", 5, "hello"},
		{"不截断中文字符", "页面类型", 4, "页"},
		{"max为0不截断", "abc", 0, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, 期望 %q", tt.in, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("截断结果不是合法UTF-8: %q", got)
			}
		})
	}
}

func TestReadURLsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	content := "# 目标站点\nhttps://shop.example.com\n\nnot-a-url\nhttp://blog.example.com/posts\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	urls, err := ReadURLsFromFile(path)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(urls) != 2 || urls[0] != "https://shop.example.com" {
		t.Errorf("urls = %v", urls)
	}

	empty := filepath.Join(t.TempDir(), "empty.txt")
	os.WriteFile(empty, []byte("# nothing\n"), 0644)
	if _, err := ReadURLsFromFile(empty); err == nil {
		t.Error("没有有效URL时应返回错误")
	}
}

func TestGenerateReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shop.example.com")
	run, err := models.NewRun("https://shop.example.com", models.DefaultRunConfig())
	if err != nil {
		t.Fatal(err)
	}
	routine := models.NewExtractionRoutine("Product Detail", "https://shop.example.com/p/1")
	routine.Advance(`{"fields": {"title": {"selector": "h1"}}}`, 1, nil)

	report := &models.RunReport{Run: *run, Routines: []*models.ExtractionRoutine{routine}}
	if err := NewReporter(dir).GenerateReport(report); err != nil {
		t.Fatalf("生成报告失败: %v", err)
	}

	for _, name := range []string{"report.json", filepath.Join("routines", "product_detail.json")} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("缺少 %s: %v", name, err)
		}
	}
}
