package main

import (
	"fmt"
	"time"
)

// ValidateFlags 验证命令行标志, 0 表示使用配置文件中的值
func ValidateFlags(workers int, maxDrivers int, maxCrawlRetries int, taskTimeout time.Duration) error {
	if workers < 0 || workers > 100 {
		return fmt.Errorf("并发数必须在0-100之间,当前值: %d", workers)
	}
	if maxDrivers < 0 || maxDrivers > 64 {
		return fmt.Errorf("驱动数必须在0-64之间,当前值: %d", maxDrivers)
	}
	if maxCrawlRetries < 0 || maxCrawlRetries > 10 {
		return fmt.Errorf("重新入队次数必须在0-10之间,当前值: %d", maxCrawlRetries)
	}
	if taskTimeout < 0 {
		return fmt.Errorf("任务超时时间不能为负数,当前值: %v", taskTimeout)
	}
	return nil
}

// ValidateURLFile 验证URL文件路径
func ValidateURLFile(filepath string) error {
	if filepath == "" {
		return fmt.Errorf("URL文件路径不能为空")
	}
	return nil
}
