// Package batch 是批次执行引擎的服务门面：发现并过滤集成目录、
// 按选定模式调度执行、汇总批次结果，以及生成遥测报表与目录清单。
package batch
