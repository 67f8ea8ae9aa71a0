package models

import (
	"fmt"
	"net/http"
	"strings"
)

// CliHeaders 命令行传递的附加请求头,每项格式为 "Name: Value"
// 解析结果会合并进所有指纹的 ExtraHeaders
type CliHeaders []string

// Parse 将字符串列表解析为 http.Header
func (ch CliHeaders) Parse() (http.Header, error) {
	result := make(http.Header)
	for i, s := range ch {
		name, value, err := parseHeaderString(s)
		if err != nil {
			return nil, fmt.Errorf("参数 --header 第%d项格式错误: %w", i+1, err)
		}
		result.Set(name, value)
	}
	return result, nil
}

func parseHeaderString(s string) (name, value string, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("缺少冒号分隔符,应为 'Name: Value'")
	}

	name = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])
	if name == "" {
		return "", "", fmt.Errorf("头部名称不能为空")
	}
	if strings.EqualFold(name, "User-Agent") {
		return "", "", fmt.Errorf("User-Agent 由指纹决定,请在 fingerprints 配置中设置")
	}
	return name, value, nil
}

// ConfigError 配置文件错误
type ConfigError struct {
	FilePath string
	Cause    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置文件错误 [%s]: %v", e.FilePath, e.Cause)
}

// Unwrap 支持errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
