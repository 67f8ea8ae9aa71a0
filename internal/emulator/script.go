package emulator

import (
	_ "embed"
	"fmt"
)

//go:embed js/utils.js
var utilsScript string

// UtilsScript 页面探针脚本, 需在每个新文档加载前注入
func UtilsScript() string {
	return utilsScript
}

func waitForReadyExpr(initialScroll int) string {
	return fmt.Sprintf("__stealth_utils__.waitForReady(%d)", initialScroll)
}

func scrollToMiddleExpr(ratio float64) string {
	return fmt.Sprintf("__stealth_utils__.scrollToMiddle(%g)", ratio)
}

const (
	scrollDownExpr = "__stealth_utils__.scrollDown()"
	computeExpr    = "__stealth_utils__.compute()"
)
