// Package mcpserver 通过 MCP（stdio 或 SSE）暴露工具注册表。
//
// SSE 传输对每个 HTTP 请求校验 Bearer 令牌；stdio 传输在每次调用前重新校验
// 启动时从环境变量读取的令牌。
package mcpserver
