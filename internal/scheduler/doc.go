// Package scheduler 按三种模式调度一批集成的执行：顺序基线、
// 协程并发、隔离工作进程。无论哪种模式，每个入选集成都恰好产生
// 一条 RunRecord，工作进程崩溃被转换为 WorkerCrash 终态记录而不
// 是整批失败。
package scheduler
