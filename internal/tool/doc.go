// Package tool 定义推理代理可以调用的工具、参数校验与统一的结果格式。
//
// Invoke 永远不会 panic，也不会返回 Go error：所有失败都折叠为错误结果并交还给
// 代理，由代理决定下一步，单个工具失败不会终止整轮对话。
package tool
