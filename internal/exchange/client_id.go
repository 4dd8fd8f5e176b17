package exchange

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// clientIDPrefix 标记本程序发出的订单,便于在交易所流水里区分人工单。
const clientIDPrefix = "g"

// newClientOrderID 生成全局唯一的客户端订单ID。
// UUID 经 base62 压缩到 23 个字符以内,满足各交易所对 clientOrderId 的长度限制。
func newClientOrderID() string {
	id := uuid.New()
	return clientIDPrefix + base62.EncodeToString(id[:])
}
