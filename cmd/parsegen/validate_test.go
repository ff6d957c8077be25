package main

import "testing"

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		urlFile   string
		fields    string
		spec      string
		maxPages  int
		threshold float64
		depth     int
		workers   int
		mode      string
		wantErr   bool
	}{
		{name: "最简参数", url: "https://shop.example.com", fields: "title"},
		{name: "全部指定", url: "https://shop.example.com", spec: "spec.yaml", maxPages: 10, threshold: 0.6, depth: 3, workers: 4, mode: "static"},
		{name: "批量模式", urlFile: "urls.txt"},
		{name: "URL冲突", url: "https://shop.example.com", urlFile: "urls.txt", wantErr: true},
		{name: "字段冲突", url: "https://shop.example.com", fields: "title", spec: "spec.yaml", wantErr: true},
		{name: "无效URL", url: "shop.example.com", wantErr: true},
		{name: "阈值越界", url: "https://shop.example.com", threshold: 1.2, wantErr: true},
		{name: "页面上限越界", url: "https://shop.example.com", maxPages: 5000, wantErr: true},
		{name: "worker越界", url: "https://shop.example.com", workers: 64, wantErr: true},
		{name: "无效模式", url: "https://shop.example.com", mode: "dynamic", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFlags(tt.url, tt.urlFile, tt.fields, tt.spec, tt.maxPages, tt.threshold, tt.depth, tt.workers, tt.mode)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
