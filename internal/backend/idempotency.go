package backend

import (
	"strconv"

	"github.com/google/uuid"
)

// paymentNamespace 是派生支付幂等键的固定命名空间。
var paymentNamespace = uuid.MustParse("6f0b1a52-2c5e-4b61-9a4e-1c3d8f7e2b90")

// NewIdempotencyKey 由轮次 ID、支付指纹与该指纹在轮次内的序号派生确定性的 UUIDv5。
// 同一轮次重试同一笔支付得到同一个键，不同的支付（或同一轮次内的第二笔相同支付）得到不同的键。
func NewIdempotencyKey(turnID, fingerprint string, ordinal int) string {
	name := turnID + "\x00" + fingerprint + "\x00" + strconv.Itoa(ordinal)
	return uuid.NewSHA1(paymentNamespace, []byte(name)).String()
}

// Fingerprint 返回描述一笔支付业务内容的稳定字符串。
func (p Payment) Fingerprint() string {
	return p.FromAccountNum + "|" + p.FromRoutingNum + "|" + p.ToAccountNum + "|" + p.ToRoutingNum + "|" + strconv.FormatInt(p.Amount, 10)
}
