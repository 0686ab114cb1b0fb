package llm

import (
	"context"
	"io"
	"unicode/utf8"

	"ai-billing-api/internal/domain/service"
)

const echoChunkRunes = 8

// EchoProvider 按固定分片回显输入，用于单进程开发与联调
type EchoProvider struct{}

func NewEchoProvider() *EchoProvider {
	return &EchoProvider{}
}

func (EchoProvider) Name() string {
	return EchoProviderName
}

func (EchoProvider) Stream(ctx context.Context, req service.GenerationRequest) (service.ChunkStream, error) {
	text := req.Prompt
	if req.MaxOutputTokens > 0 && utf8.RuneCountInString(text) > req.MaxOutputTokens {
		text = string([]rune(text)[:req.MaxOutputTokens])
	}
	return &echoStream{
		ctx:    ctx,
		runes:  []rune(text),
		prompt: utf8.RuneCountInString(req.Prompt),
	}, nil
}

type echoStream struct {
	ctx    context.Context
	runes  []rune
	pos    int
	prompt int
	done   bool
}

func (s *echoStream) Recv() (*service.GenerationChunk, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos < len(s.runes) {
		end := min(s.pos+echoChunkRunes, len(s.runes))
		delta := string(s.runes[s.pos:end])
		s.pos = end
		return &service.GenerationChunk{Delta: delta}, nil
	}
	if !s.done {
		s.done = true
		return &service.GenerationChunk{
			InputTokens:  s.prompt,
			OutputTokens: len(s.runes),
			FinishReason: "stop",
		}, nil
	}
	return nil, io.EOF
}

func (s *echoStream) Close() {}
