package utils

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// ID 前缀
const (
	PrefixRequest     = "req"
	PrefixFreeze      = "frz"
	PrefixLedgerEntry = "lent"
)

// NewID 生成带前缀、可按时间排序的 TypeID，例如 req_01h2xcejqtf2nbrexx3vqjhp41
// prefix 非法属于编程错误，直接 panic
func NewID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("utils: invalid id prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// NewRequestID 生成一次逻辑请求的计费 ID
func NewRequestID() string {
	return NewID(PrefixRequest)
}

// HasIDPrefix 判断字符串是否为指定前缀的合法 TypeID
func HasIDPrefix(s, prefix string) bool {
	tid, err := typeid.Parse(s)
	if err != nil {
		return false
	}
	return tid.Prefix() == prefix
}
