package utils

import (
	"net/http"
	"sort"
	"strings"
)

// sensitiveKeywords 敏感头部名称关键字
var sensitiveKeywords = []string{
	"authorization",
	"token",
	"key",
	"secret",
	"password",
	"credential",
	"cookie",
}

// IsSensitiveHeader 根据名称判断头部是否敏感
func IsSensitiveHeader(name string) bool {
	nameLower := strings.ToLower(name)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(nameLower, keyword) {
			return true
		}
	}
	return false
}

// RedactSecret 脱敏密钥类字符串
func RedactSecret(value string) string {
	if strings.HasPrefix(value, "Bearer ") {
		return "Bearer ***"
	}
	if len(value) > 8 {
		return value[:4] + "***" + value[len(value)-4:]
	}
	if value == "" {
		return ""
	}
	return "***"
}

// RedactHeaders 返回可写入日志的头部
func RedactHeaders(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		if IsSensitiveHeader(name) {
			result[name] = RedactSecret(values[0])
		} else {
			result[name] = values[0]
		}
	}
	return result
}

// RedactHeadersString 格式化为 "Name: value, ..." (按名称排序)
func RedactHeadersString(headers http.Header) string {
	redacted := RedactHeaders(headers)
	names := make([]string, 0, len(redacted))
	for name := range redacted {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ": " + redacted[name]
	}
	return strings.Join(parts, ", ")
}
