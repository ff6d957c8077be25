package main

import (
	"errors"
	"fmt"

	"github.com/RecoveryAshes/ParseGen/internal/models"
)

// ValidateURL 验证URL格式
func ValidateURL(urlStr string) error {
	return models.ValidateURL(urlStr)
}

// ValidateFlags 验证generate命令的标志
// 数值为0表示沿用配置文件,不做范围检查
func ValidateFlags(
	targetURL string,
	urlFile string,
	fields string,
	specFile string,
	maxPages int,
	threshold float64,
	maxDepth int,
	workers int,
	fetchMode string,
) error {
	if targetURL != "" && urlFile != "" {
		return errors.New("--url 与 --url-file 不能同时使用")
	}
	if targetURL != "" {
		if err := ValidateURL(targetURL); err != nil {
			return fmt.Errorf("无效的目标URL: %w", err)
		}
	}

	if fields != "" && specFile != "" {
		return errors.New("--fields 与 --spec 不能同时使用")
	}

	if maxPages < 0 || maxPages > 1000 {
		return fmt.Errorf("页面上限必须在1-1000之间,当前值: %d", maxPages)
	}

	if threshold < 0.0 || threshold > 1.0 {
		return fmt.Errorf("相关度阈值必须在0.0-1.0之间,当前值: %.2f", threshold)
	}

	if maxDepth < 0 || maxDepth > 10 {
		return fmt.Errorf("最大深度必须在1-10之间,当前值: %d", maxDepth)
	}

	if workers < 0 || workers > 32 {
		return fmt.Errorf("worker数必须在1-32之间,当前值: %d", workers)
	}

	validModes := map[string]bool{
		"":                              true,
		string(models.FetchModeAuto):    true,
		string(models.FetchModeBrowser): true,
		string(models.FetchModeStatic):  true,
	}
	if !validModes[fetchMode] {
		return fmt.Errorf("无效的抓取模式: %s (有效值: auto, browser, static)", fetchMode)
	}

	return nil
}
