package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/schollz/progressbar/v3"
)

// Reporter 报告生成器
type Reporter struct {
	outputDir string
}

// NewReporter 创建报告生成器
func NewReporter(outputDir string) *Reporter {
	return &Reporter{outputDir: outputDir}
}

// GenerateReport 生成批量抓取报告, 返回报告目录
func (r *Reporter) GenerateReport(report *models.FetchReport) (string, error) {
	batch := report.BatchID
	if len(batch) > 8 {
		batch = batch[:8]
	}
	reportsDir := filepath.Join(r.outputDir, "reports",
		report.StartTime.Format("20060102-150405")+"-"+batch)
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	data, err := report.ToJSON()
	if err != nil {
		return "", fmt.Errorf("序列化JSON失败: %w", err)
	}
	if err := r.writeFile(reportsDir, "fetch_report.json", data); err != nil {
		return "", err
	}
	if err := r.saveJSONReport(reportsDir, "failed_pages.json", report.FailedPages); err != nil {
		return "", err
	}
	if err := r.saveJSONReport(reportsDir, "contexts.json", report.Contexts); err != nil {
		return "", err
	}

	Infof("✅ 报告已生成: %s", reportsDir)
	return reportsDir, nil
}

// saveJSONReport 保存JSON报告
func (r *Reporter) saveJSONReport(dir string, filename string, data any) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}
	return r.writeFile(dir, filename, jsonData)
}

func (r *Reporter) writeFile(dir string, filename string, data []byte) error {
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("写入报告文件失败: %w", err)
	}
	Debugf("保存报告: %s", path)
	return nil
}

// NewProgressBar 创建进度条, 输出到标准错误
func NewProgressBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
