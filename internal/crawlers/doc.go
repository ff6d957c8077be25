// Package crawlers 提供页面抓取功能
//
// # 概述
//
// crawlers包实现两种抓取模式: 浏览器渲染(go-rod)与静态抓取(Colly)。
// 两者都实现 Fetcher 接口,失败时返回 *models.FetchError。
//
// # 核心组件
//
// ## BrowserFetcher
//
// 基于go-rod的抓取器,渲染JavaScript后采集 document.documentElement.outerHTML。
// 浏览器在第一次抓取时启动,崩溃(rod panic)会被恢复为 ErrBrowserCrashed 并自动重启,最多3次。
//
//	fetcher := NewBrowserFetcher(BrowserFetcherConfig{Headless: true, Stealth: true}, headerProvider)
//	defer fetcher.Close()
//	sample, err := fetcher.Fetch(ctx, "https://example.com", nil)
//
// ## StaticFetcher
//
// 基于Colly的抓取器,不执行JavaScript。支持 gzip/deflate/br 解压,
// 拒绝非HTML响应与 >=400 状态码。
//
// ## FallbackFetcher
//
// auto 模式下使用: 浏览器失败后降级为静态抓取。
//
// ## PagePool (标签页池)
//
// 按需创建标签页,上限由 ResourceMonitor 计算。归还时清理存储并回到 about:blank。
//
//	page, err := pool.AcquirePage(ctx)
//	if err != nil { /* 处理错误 */ }
//	defer pool.ReleasePage(page)
//
// ## ResourceMonitor (资源监控器)
//
// 监控系统可用内存和CPU负载,计算标签页上限:
//
//	min(可用内存/单页内存, CPU核数, MaxTabsLimit)
//
// ## Interaction (页面交互)
//
// ParseInteractions 将简单指令解析为动作,在采集HTML之前执行:
//
//	actions, err := ParseInteractions("click load more; wait 2 seconds; scroll 3 times")
//
// ## LinkExtractor
//
// 从渲染后的HTML中提取绝对http(s)链接,用于校验分类器给出的候选链接。
package crawlers
