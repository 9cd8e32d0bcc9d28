// Package crawlers 提供浏览器会话池与单页抓取执行器
//
// # 概述
//
// crawlers包管理一组有上限的浏览器会话,每个会话绑定一个代理,由执行器独占使用。
// 代理的选择与统计由 proxies 包负责,本包只通过 ProxySelector / OutcomeRecorder 接口与之交互。
//
// # 核心组件
//
// ## SessionPool (会话池)
//
// 维护最多 Size 个存活会话(创建中 + 预热中 + 空闲 + 使用中)。
// 核心策略:
//   - 启动时并发提交 StartAttempts 次创建,至少一个成功才算启动成功
//   - 会话退役时先预留替换名额,再延迟创建新会话,存活数不会超过上限
//   - 请求数达到 MaxRequestsBeforeRotation 或处于重试时,获取会话前先轮换代理
//   - 单会话反爬次数超过 SessionBotDetectionLimit 时直接替换
//   - Shutdown 可重复调用,等待使用中的会话归还,超时后强制关闭
//
// 使用示例:
//
//	pool := NewSessionPool(cfg.Pool, scorer, NewRodFactory(cfg.Browser), WithPoolBackoff(backoff))
//	if err := pool.Start(ctx, cfg.Pool.StartAttempts); err != nil { /* 处理错误 */ }
//	defer pool.Shutdown(context.Background())
//
//	s, err := pool.Acquire(ctx, AcquireOptions{Context: models.SelectionContext{URL: target}})
//	if err != nil { /* 处理错误 */ }
//	outcome := executor.Fetch(ctx, s, task)
//	pool.Release(s, outcome)
//
// ## Executor (请求执行器)
//
// 获取会话、可选预热、导航并等待页面就绪,随后通过 detect 包判定是否触发反爬。
// 结果按 Success / BotDetected / Transient / Aborted 分类,反馈给代理注册表,
// 可重试的结果按 Backoff 的指数退避等待后重试,直到 MaxAttempts。
//
// ## Backoff (退避与抖动)
//
// 唯一的随机延迟来源,注入执行器、会话池与调度器。测试中可传入固定种子或全零配置。
//
// ## Humanizer (拟人化操作)
//
// 导航来源(直接访问/搜索引擎/站内/社交)、滚动模式与曲线鼠标轨迹。
//
// ## ResourceMonitor (资源监控器)
//
// 使用 gopsutil 采样可用内存与CPU负载,按单会话内存估算限制池大小:
//   - 可用内存低于 SafetyThreshold 时暂停创建新会话
//   - MaxSessions 返回 min(请求值, MaxSessionsLimit, 可用内存/单会话内存)
//
// ## TaskQueue (任务队列)
//
// 无界FIFO队列,Pop 阻塞直到有任务、队列关闭或 ctx 取消。
//
// # 并发安全
//
//   - SessionPool: sync.Mutex + 空闲会话通道(容量等于上限)
//   - Session: 同一时刻只属于一个调用方,不加锁
//   - TaskQueue: sync.Mutex + 信号通道
//   - ResourceMonitor: sync.RWMutex
//
// # 错误处理
//
//   - 无可用代理: Acquire 返回 models.ErrNoProxyAvailable,执行器记为 Aborted
//   - 获取超时: models.ErrPoolExhausted
//   - 浏览器启动失败: *models.SessionCreationError,名额释放并延迟重试
//   - 浏览器句柄损坏: Outcome.DriverBroken,释放时直接替换
package crawlers
