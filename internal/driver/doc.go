// Package driver 管理浏览器驱动池
//
// # 概述
//
// 每个浏览器身份(BrowserInstanceID: 隐私上下文 + 指纹 + 代理)对应一个驱动池,
// 池中的每个驱动是同一浏览器进程内的一个标签页。Manager 负责按身份懒加载驱动池、
// 标记退役以及按URL跨池路由取消请求。
//
// # 核心组件
//
// ## Manager
//
// Run 在身份对应的池中取一个驱动执行操作,操作受任务级超时约束,
// 驱动在所有退出路径上都会归还:
//
//	err := manager.Run(ctx, id, priority, func(ctx context.Context, d *ManagedDriver) error {
//		return d.Navigate(ctx, url)
//	})
//
// CloseDriverPool 是抢占操作:等待所有进行中的 Run 结束后才会退役并关闭驱动池,
// 之后针对该身份的 Run 都返回 ErrPoolRetired。
//
// ## Pool
//
// 有界的驱动集合,容量由 Capacity 决定(固定值或 ResourceMonitor 根据内存/CPU计算)。
// 没有空闲驱动且达到上限时 Take 阻塞,直到有驱动归还或 context 取消。
//
// ## ManagedDriver
//
// 驱动句柄,状态为 IDLE / WORKING / CANCELED / RETIRED。
// Cancel 立即取消本次工作的 context,被取消的驱动归还后恢复空闲;
// Retire 标记会话不可再用,归还时关闭底层标签页。
//
// ## RodFactory / ResourceLoader
//
// RodFactory 使用 go-rod 启动浏览器并注入反检测脚本与指纹;
// ResourceLoader 使用 colly 直接加载不需要渲染的资源页。
package driver
