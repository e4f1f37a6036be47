// Package events 负责在对话轮次结束后投递轮次事件，支持 none、memory、redis 与 rabbitmq 四种驱动。
//
// 事件只携带结果摘要：轮次 ID、会话、用户、结局与工具调用统计。提示词、回答与令牌不会进入事件。
package events
