package tool

import (
	"sync"

	"github.com/ganeshballa0/bank-of-anthos/internal/auth"
)

// Invocation 把本次请求的已验证身份与轮次范围传给工具处理函数。
// 令牌只用于向下游透传，不会出现在工具参数或结果中。
type Invocation struct {
	Identity *auth.Identity
	TurnID   string

	mu       sync.Mutex
	ordinals map[string]int
}

// NewInvocation 创建一次轮次范围的调用上下文。
func NewInvocation(identity *auth.Identity, turnID string) *Invocation {
	return &Invocation{Identity: identity, TurnID: turnID, ordinals: make(map[string]int)}
}

// Ordinal 返回同一指纹在本轮次内下一笔付款的序号，从 0 开始。读取不会消耗序号。
func (i *Invocation) Ordinal(fingerprint string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ordinals[fingerprint]
}

// Commit 在付款已落账后推进指纹的序号。失败的尝试不调用 Commit，重试沿用同一个幂等键。
func (i *Invocation) Commit(fingerprint string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ordinals == nil {
		i.ordinals = make(map[string]int)
	}
	i.ordinals[fingerprint]++
}

// Token 返回本次请求的令牌。
func (i *Invocation) Token() string {
	if i == nil {
		return ""
	}
	return i.Identity.Token()
}
