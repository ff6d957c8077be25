package utils

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/RecoveryAshes/ParseGen/internal/models"
)

// MaxHeaderValueLength HTTP头部值最大长度 (8KB)
const MaxHeaderValueLength = 8192

var (
	headerNameRegex  = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	headerValueRegex = regexp.MustCompile(`^[\x20-\x7E\t]*$`)

	// forbiddenHeaders 由HTTP客户端或浏览器管理的头部
	forbiddenHeaders = map[string]bool{
		"host":              true,
		"content-length":    true,
		"transfer-encoding": true,
		"connection":        true,
	}
)

// ValidateHeader 校验单个头部 (RFC 7230)
func ValidateHeader(name, value string) error {
	switch {
	case forbiddenHeaders[strings.ToLower(name)]:
		return &models.ValidationError{HeaderName: name, Reason: "此头部由HTTP客户端自动管理,不允许自定义"}
	case !headerNameRegex.MatchString(name):
		return &models.ValidationError{HeaderName: name, Reason: "头部名称包含非法字符 (仅允许字母、数字和连字符)"}
	case len(value) > MaxHeaderValueLength:
		return &models.ValidationError{HeaderName: name, Reason: fmt.Sprintf("头部值过长: %d 字节 (最大 %d)", len(value), MaxHeaderValueLength)}
	case !headerValueRegex.MatchString(value):
		return &models.ValidationError{HeaderName: name, Reason: "头部值包含非法字符 (仅允许可打印ASCII字符)"}
	}
	return nil
}

// ValidateHeaders 校验全部头部,返回第一个错误
func ValidateHeaders(headers http.Header) error {
	for name, values := range headers {
		for _, value := range values {
			if err := ValidateHeader(name, value); err != nil {
				return err
			}
		}
	}
	return nil
}
