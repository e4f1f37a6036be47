// Package api 暴露 /ask、/turns、/healthz 与 /metrics 等 HTTP 接口。
package api
