package utils

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// ErrNoValidURL 文件中没有有效的URL
	ErrNoValidURL = errors.New("URL文件中没有有效的URL")
)

// ReadURLsFromFile 从文件中读取URL列表, 跳过空行、注释行与无效URL
func ReadURLsFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开URL文件失败: %w", err)
	}
	defer file.Close()

	urls := make([]string, 0)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := models.ValidateURL(line); err != nil {
			Warnf("跳过无效URL (行 %d): %s - %v", lineNum, line, err)
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取URL文件失败: %w", err)
	}
	if len(urls) == 0 {
		return nil, ErrNoValidURL
	}

	Infof("从文件加载了 %d 个URL", len(urls))
	return urls, nil
}

// ExtractTitle 提取HTML文档的 <title>, 找不到时返回空串
func ExtractTitle(source string) string {
	z := html.NewTokenizer(strings.NewReader(source))
	inTitle := false
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Title {
				inTitle = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if inTitle && atom.Lookup(name) == atom.Title {
				return strings.Join(strings.Fields(b.String()), " ")
			}
		case html.TextToken:
			if inTitle {
				b.Write(z.Text())
			}
		}
	}
}
