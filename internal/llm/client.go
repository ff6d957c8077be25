package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrEmptyResponse 模型返回了空内容
var ErrEmptyResponse = errors.New("LLM返回内容为空")

// Message 对话中的一条消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat 要求模型按指定格式输出
type ResponseFormat struct {
	Type string `json:"type"` // "json_object" | "text"
}

// ChatRequest OpenAI兼容的 /chat/completions 请求
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type chatChoice struct {
	FinishReason string  `json:"finish_reason"`
	Index        int     `json:"index"`
	Message      Message `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

// Completer 对话补全接口,测试中可替换为mock
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// ClientConfig LLM客户端配置
type ClientConfig struct {
	Endpoint          string        // 完整的 /chat/completions 地址
	APIKey            string        // 为空时不发送Authorization头
	Model             string        // 默认模型
	Temperature       float64       // 默认温度
	Timeout           time.Duration // 单次请求超时
	MaxRetries        int           // 网络错误/429/5xx 的最大重试次数
	RequestsPerMinute int           // 速率限制,<=0 表示不限制
	BaseDelay         time.Duration // 退避基准时间
}

// APIError 非2xx响应
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("LLM API返回状态码 %d: %s", e.StatusCode, e.Body)
}

// retryable 429和5xx可以重试,其余4xx说明请求本身有问题
func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client OpenAI兼容的HTTP客户端
// 带速率限制和指数退避重试
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	calls      atomic.Int64
}

// NewClient 创建LLM客户端
func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), 1)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{},
		limiter:    limiter,
	}
}

// Calls 已发出的请求数(含重试)
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

// Complete 发送请求并返回第一个choice的内容
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if req.Model == "" {
		req.Model = c.config.Model
	}
	if req.Temperature == 0 {
		req.Temperature = c.config.Temperature
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("等待速率限制失败: %w", err)
		}

		if attempt > 0 {
			log.Debug().Int("attempt", attempt).Int("max_retries", c.config.MaxRetries).Msg("重试LLM请求")
		}

		content, err := c.do(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt == c.config.MaxRetries {
			break
		}

		// 退避: baseDelay * 2^attempt 加随机抖动
		delay := c.config.BaseDelay * time.Duration(1<<uint(attempt))
		if half := int64(delay) / 2; half > 0 {
			delay += time.Duration(rand.Int63n(half))
		}
		log.Warn().Err(err).Dur("delay", delay).Msgf("LLM请求失败,%v 后重试 (%d/%d)", delay, attempt+1, c.config.MaxRetries)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	return "", fmt.Errorf("LLM请求失败,已重试%d次: %w", c.config.MaxRetries, lastErr)
}

// do 发送一次请求
func (c *Client) do(ctx context.Context, body []byte) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	c.calls.Add(1)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: utils.Truncate(string(respBody), 500)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("解析响应失败: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
