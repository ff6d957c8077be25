package models

// EntryPoint 聚合程序中某个页面类型的入口
type EntryPoint struct {
	PageType    string   `json:"page_type"`
	FuncName    string   `json:"func_name"`
	Recipe      string   `json:"recipe"`
	Fingerprint []string `json:"fingerprint"`
	Rendered    bool     `json:"rendered,omitempty"` // 样本页面经浏览器渲染后验证
}

// SkippedPageType 未进入聚合程序的页面类型
type SkippedPageType struct {
	PageType string `json:"page_type"`
	Reason   string `json:"reason"`
}

// AggregatedUtility 最终生成的独立程序
type AggregatedUtility struct {
	EntryPoints   map[string]EntryPoint `json:"entry_points"`
	DispatchOrder []string              `json:"dispatch_order"` // 排序后的页面类型
	Fields        []string              `json:"fields"`         // 输出CSV列
	TargetFormat  string                `json:"target_format"`
	Skipped       []SkippedPageType     `json:"skipped,omitempty"`
	Render        bool                  `json:"render"` // 生成程序默认用浏览器渲染页面
	Source        []byte                `json:"-"`      // gofmt后的Go源码
}

// DispatchMapping 页面类型 -> 入口函数名
func (u *AggregatedUtility) DispatchMapping() map[string]string {
	m := make(map[string]string, len(u.EntryPoints))
	for pageType, ep := range u.EntryPoints {
		m[pageType] = ep.FuncName
	}
	return m
}

// IsSkipped 页面类型是否被跳过
func (u *AggregatedUtility) IsSkipped(pageType string) bool {
	for _, s := range u.Skipped {
		if s.PageType == pageType {
			return true
		}
	}
	return false
}
