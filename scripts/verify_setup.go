//go:build ignore

// verify_setup 检查 stealthfetch 的运行环境: Go 版本、Chrome 浏览器与系统资源
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// 每个浏览器驱动的估算内存 (MB), 与默认配置一致
const driverMemoryMB = 150

func main() {
	fmt.Println("==============================================")
	fmt.Println("stealthfetch 环境验证")
	fmt.Println("==============================================")
	fmt.Println()

	allOK := true

	fmt.Printf("✅ Go版本: %s (%s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	fmt.Println()
	fmt.Println("检查浏览器...")
	if path, has := launcher.LookPath(); has {
		fmt.Printf("✅ 已找到 Chrome/Chromium: %s\n", path)
	} else {
		fmt.Println("⚠️  未找到本地 Chrome/Chromium, 首次运行时 rod 会自动下载")
	}

	fmt.Println()
	fmt.Println("检查系统资源...")
	if v, err := mem.VirtualMemory(); err != nil {
		fmt.Printf("❌ 读取内存信息失败: %v\n", err)
		allOK = false
	} else {
		availableMB := v.Available / 1024 / 1024
		fmt.Printf("✅ 可用内存: %d MB (约可支撑 %d 个驱动)\n", availableMB, availableMB/driverMemoryMB)
		if availableMB < 2*driverMemoryMB {
			fmt.Println("⚠️  可用内存不足以运行两个浏览器驱动")
		}
	}
	if counts, err := cpu.Counts(true); err != nil {
		fmt.Printf("❌ 读取CPU信息失败: %v\n", err)
		allOK = false
	} else {
		fmt.Printf("✅ 逻辑CPU: %d\n", counts)
	}

	fmt.Println()
	fmt.Println("检查项目结构...")
	requiredDirs := []string{
		"cmd/stealthfetch",
		"internal/core",
		"internal/driver",
		"internal/emulator",
		"internal/privacy",
		"internal/proxy",
		"internal/models",
		"internal/utils",
		"configs",
	}
	for _, dir := range requiredDirs {
		if _, err := os.Stat(dir); err == nil {
			fmt.Printf("✅ %s/\n", dir)
		} else {
			fmt.Printf("❌ %s/ 不存在\n", dir)
			allOK = false
		}
	}

	fmt.Println()
	fmt.Println("==============================================")
	if !allOK {
		fmt.Println("❌ 环境验证失败,请解决上述问题。")
		os.Exit(1)
	}
	fmt.Println("✅ 环境验证通过!")
	fmt.Println()
	fmt.Println("下一步:")
	fmt.Println("  1. 运行 'make build' 构建项目")
	fmt.Println("  2. 运行 './stealthfetch validate' 检查配置")
	fmt.Println("  3. 运行 './stealthfetch fetch https://example.com' 抓取页面")
}
