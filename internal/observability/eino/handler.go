package eino

import (
	"context"
	"errors"
	"io"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	cbtemplate "github.com/cloudwego/eino/utils/callbacks"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ai-billing-api/pkg/logger"
)

const tracerName = "eino"

func newChatModelCallbackHandler() *cbtemplate.ModelCallbackHandler {
	return &cbtemplate.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			attrs := []attribute.KeyValue{
				attribute.String("llm.model", modelNameFromInput(input)),
			}
			if info != nil {
				attrs = append(attrs,
					attribute.String("llm.provider", info.Name),
					attribute.String("eino.type", info.Type),
				)
			}
			if input != nil {
				attrs = append(attrs, attribute.Int("llm.messages", len(input.Messages)))
			}
			ctx, _ = otel.Tracer(tracerName).Start(ctx, "llm.generate", trace.WithAttributes(attrs...))
			return ctx
		},

		OnEnd: func(ctx context.Context, _ *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			span := trace.SpanFromContext(ctx)
			if output != nil {
				setUsage(span, output.TokenUsage)
			}
			span.End()
			return ctx
		},

		// 流式输出必须在独立 goroutine 中读完并关闭
		OnEndWithStreamOutput: func(ctx context.Context, _ *einocb.RunInfo, output *schema.StreamReader[*model.CallbackOutput]) context.Context {
			span := trace.SpanFromContext(ctx)
			go func() {
				defer output.Close()
				defer span.End()

				var usage *model.TokenUsage
				chunks := 0
				for {
					out, err := output.Recv()
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						span.RecordError(err)
						span.SetStatus(codes.Error, err.Error())
						logger.Debug(ctx, "llm stream callback ended with error", "error", err.Error())
						break
					}
					chunks++
					if out != nil && out.TokenUsage != nil {
						usage = out.TokenUsage
					}
				}
				span.SetAttributes(attribute.Int("llm.chunks", chunks))
				setUsage(span, usage)
			}()
			return ctx
		},

		OnError: func(ctx context.Context, _ *einocb.RunInfo, err error) context.Context {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return ctx
		},
	}
}

func setUsage(span trace.Span, usage *model.TokenUsage) {
	if usage == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", usage.PromptTokens),
		attribute.Int("llm.completion_tokens", usage.CompletionTokens),
	)
}

// modelNameFromInput 从输入配置中提取模型名称
func modelNameFromInput(in *model.CallbackInput) string {
	if in == nil || in.Config == nil {
		return ""
	}
	return in.Config.Model
}
