// Package session 提供按 (应用, 用户, 会话 ID) 划分的进程内会话存储，
// 以及带引用计数的逐会话锁和空闲会话清理。
package session
