// Package eino 为 Eino 组件调用挂载追踪回调
package eino

import (
	"sync"

	"github.com/cloudwego/eino/callbacks"
	ucb "github.com/cloudwego/eino/utils/callbacks"
)

var registerOnce sync.Once

// Init 向 Eino 注册进程级 ChatModel 回调，重复调用无效
// 回调只产生 span；调用次数与 token 计数由计费编排层上报
func Init() {
	registerOnce.Do(func() {
		callbacks.AppendGlobalHandlers(
			ucb.NewHandlerHelper().ChatModel(newChatModelCallbackHandler()).Handler(),
		)
	})
}
