package service

import "context"

// GenerationRequest 上游生成请求
type GenerationRequest struct {
	Model           string
	Prompt          string
	MaxOutputTokens int
	Temperature     float32
}

// GenerationChunk 流式增量
// InputTokens/OutputTokens 为上游累计用量，未报告时为 0
type GenerationChunk struct {
	Delta        string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// ChunkStream 流式读取器，结束时 Recv 返回 io.EOF
type ChunkStream interface {
	Recv() (*GenerationChunk, error)
	Close()
}

// GenerationProvider 第三方生成服务
type GenerationProvider interface {
	Name() string
	Stream(ctx context.Context, req GenerationRequest) (ChunkStream, error)
}
