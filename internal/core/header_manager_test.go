package core

import (
	"strings"
	"testing"
)

func TestHeaderManagerMerge(t *testing.T) {
	hm, err := NewHeaderManager(
		map[string]string{"user-agent": "ConfigAgent/1.0", "x-token": "from-config"},
		[]string{"X-Token: from-cli", "Cookie: session=abcdef123456"},
	)
	if err != nil {
		t.Fatalf("创建头部管理器失败: %v", err)
	}

	headers, err := hm.GetHeaders()
	if err != nil {
		t.Fatalf("GetHeaders失败: %v", err)
	}

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"配置覆盖默认", "User-Agent", "ConfigAgent/1.0"},
		{"命令行覆盖配置", "X-Token", "from-cli"},
		{"保留默认", "Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := headers.Get(tt.key); got != tt.want {
				t.Errorf("%s = %q, 期望 %q", tt.key, got, tt.want)
			}
		})
	}

	// 返回副本,调用方修改不影响后续请求
	headers.Set("X-Token", "changed")
	again, _ := hm.GetHeaders()
	if again.Get("X-Token") != "from-cli" {
		t.Error("GetHeaders应返回副本")
	}

	safe := hm.GetSafeHeaders()
	for name, value := range safe {
		if strings.EqualFold(name, "Cookie") && strings.Contains(value, "abcdef123456") {
			t.Errorf("Cookie未脱敏: %s", value)
		}
	}
}

func TestHeaderManagerInvalid(t *testing.T) {
	if _, err := NewHeaderManager(nil, []string{"NoColon"}); err == nil {
		t.Error("缺少冒号的 -H 参数应返回错误")
	}

	hm, err := NewHeaderManager(map[string]string{"Bad Header": "v"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := hm.GetHeaders(); err == nil {
		t.Error("非法头部名称应验证失败")
	}
}
