// Package backend 封装对 bank-of-anthos 微服务（contacts、balancereader、
// transactionhistory、ledgerwriter）的 HTTP 调用。每次调用都携带本次请求
// 已校验的 Bearer 令牌，并拥有独立的超时。
package backend
