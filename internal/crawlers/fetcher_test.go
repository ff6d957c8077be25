package crawlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/models"
)

// mockFetcher 返回预设结果的抓取器
type mockFetcher struct {
	sample *models.PageSample
	err    error
	block  bool  // 阻塞直到ctx结束,模拟浏览器超时
	ctxErr error // 调用时ctx的状态
	calls  int
	closed bool
}

func (m *mockFetcher) Fetch(ctx context.Context, pageURL string, interactions []Interaction) (*models.PageSample, error) {
	m.calls++
	m.ctxErr = ctx.Err()
	if m.block {
		<-ctx.Done()
		return nil, models.NewFetchError(pageURL, models.FetchTimeout, ctx.Err())
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.sample, nil
}

func (m *mockFetcher) Close() error {
	m.closed = true
	return nil
}

func TestFallbackFetcher(t *testing.T) {
	okSample := models.NewPageSample("https://example.com", "<html></html>", 0, "", models.FetchModeStatic)

	tests := []struct {
		name          string
		primaryErr    error
		wantSecondary int
		wantErr       bool
		wantFetchMode models.FetchMode
	}{
		{
			name:          "主抓取器成功不降级",
			primaryErr:    nil,
			wantSecondary: 0,
			wantFetchMode: models.FetchModeBrowser,
		},
		{
			name:          "导航失败降级",
			primaryErr:    models.NewFetchError("https://example.com", models.FetchNavigation, errors.New("boom")),
			wantSecondary: 1,
			wantFetchMode: models.FetchModeStatic,
		},
		{
			name:          "浏览器超时降级",
			primaryErr:    models.NewFetchError("https://example.com", models.FetchTimeout, context.DeadlineExceeded),
			wantSecondary: 1,
			wantFetchMode: models.FetchModeStatic,
		},
		{
			name:          "无效URL不降级",
			primaryErr:    models.NewFetchError("ftp://x", models.FetchInvalidURL, errors.New("bad")),
			wantSecondary: 0,
			wantErr:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &mockFetcher{
				sample: models.NewPageSample("https://example.com", "<html></html>", 0, "", models.FetchModeBrowser),
				err:    tt.primaryErr,
			}
			secondary := &mockFetcher{sample: okSample}
			f := NewFallbackFetcher(primary, secondary, time.Second)

			sample, err := f.Fetch(context.Background(), "https://example.com", nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if secondary.calls != tt.wantSecondary {
				t.Errorf("备用抓取器调用次数 = %d, 期望 %d", secondary.calls, tt.wantSecondary)
			}
			if !tt.wantErr && sample.FetchMode != tt.wantFetchMode {
				t.Errorf("FetchMode = %s, 期望 %s", sample.FetchMode, tt.wantFetchMode)
			}
		})
	}
}

func TestFallbackFetcherCancelled(t *testing.T) {
	primary := &mockFetcher{err: models.NewFetchError("https://example.com", models.FetchTimeout, context.Canceled)}
	secondary := &mockFetcher{}
	f := NewFallbackFetcher(primary, secondary, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Fetch(ctx, "https://example.com", nil); err == nil {
		t.Fatal("期望返回错误")
	}
	if secondary.calls != 0 {
		t.Error("取消后不应降级")
	}

	if err := f.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if !primary.closed || !secondary.closed {
		t.Error("两个抓取器都应被关闭")
	}
}

func TestFallbackFetcherAfterDeadline(t *testing.T) {
	primary := &mockFetcher{block: true}
	secondary := &mockFetcher{sample: models.NewPageSample("https://shop.example.com", "<html></html>", 0, "", models.FetchModeStatic)}
	f := NewFallbackFetcher(primary, secondary, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sample, err := f.Fetch(ctx, "https://shop.example.com", nil)
	if err != nil {
		t.Fatalf("截止时间到期后应降级成功, 实际 %v", err)
	}
	if secondary.calls != 1 || sample.FetchMode != models.FetchModeStatic {
		t.Errorf("备用抓取器调用次数 = %d, FetchMode = %s", secondary.calls, sample.FetchMode)
	}
	if secondary.ctxErr != nil {
		t.Errorf("备用抓取器应拿到新的时限, 实际ctx已结束: %v", secondary.ctxErr)
	}
}

func TestStaticFetcher(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body><h1>%s</h1></body></html>", r.Header.Get("X-Test"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"a":1}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	headers := staticHeaders{"X-Test": []string{"custom-header-value"}}
	f := NewStaticFetcher(5*time.Second, headers)
	defer f.Close()

	tests := []struct {
		name       string
		path       string
		wantReason models.FetchReason
		wantErr    bool
	}{
		{name: "正常HTML", path: "/ok"},
		{name: "404", path: "/missing", wantErr: true, wantReason: models.FetchHTTPStatus},
		{name: "403视为被拦截", path: "/forbidden", wantErr: true, wantReason: models.FetchBlocked},
		{name: "非HTML内容", path: "/json", wantErr: true, wantReason: models.FetchNavigation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sample, err := f.Fetch(context.Background(), server.URL+tt.path, nil)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("抓取失败: %v", err)
				}
				if !strings.Contains(sample.Content, "custom-header-value") {
					t.Errorf("自定义头部未生效: %s", sample.Content)
				}
				if sample.FetchMode != models.FetchModeStatic {
					t.Errorf("FetchMode = %s", sample.FetchMode)
				}
				return
			}

			var fetchErr *models.FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("期望 *models.FetchError, 实际 %T: %v", err, err)
			}
			if fetchErr.Reason != tt.wantReason {
				t.Errorf("Reason = %s, 期望 %s", fetchErr.Reason, tt.wantReason)
			}
		})
	}
}

func TestStaticFetcherInvalidURL(t *testing.T) {
	f := NewStaticFetcher(time.Second, nil)
	_, err := f.Fetch(context.Background(), "not-a-url", nil)

	var fetchErr *models.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Reason != models.FetchInvalidURL {
		t.Fatalf("期望 invalid_url 错误, 实际 %v", err)
	}
}

type staticHeaders http.Header

func (h staticHeaders) GetHeaders() (http.Header, error) {
	return http.Header(h), nil
}
