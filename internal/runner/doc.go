// Package runner 实现单个集成的三阶段生命周期：获取、后处理、交付。
// 运行前先做基于配置内容哈希的校验（带校验缓存），获取阶段优先消费
// 带 TTL 的数据缓存。任何阶段错误都在 Runner 边界被吸收为终态的
// RunRecord 与支持日志 Issue。
package runner
