package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("notechat.llm")

// WithTracing wraps a handler so that every provider call runs inside a
// span. The span ends when the stream is drained.
func WithTracing(handler ApiHandler) ApiHandler {
	return &tracingHandler{handler: handler}
}

type tracingHandler struct {
	handler ApiHandler
}

func (th *tracingHandler) CreateMessage(ctx context.Context, messages []Message, opts ChatOptions) (ApiStream, error) {
	ctx, span := tracer.Start(ctx, "llm.CreateMessage",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", string(th.handler.Provider())),
			attribute.String("llm.model", th.modelID(opts)),
			attribute.Int("llm.messages", len(messages)),
			attribute.Int("llm.tools", len(opts.Tools)),
		),
	)

	stream, err := th.handler.CreateMessage(ctx, messages, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	out := make(chan ApiStreamChunk)
	go func() {
		defer close(out)
		defer span.End()

		var toolCalls, outputTokens int
		for chunk := range stream {
			switch c := chunk.(type) {
			case ApiStreamToolCallChunk:
				toolCalls++
			case ApiStreamUsageChunk:
				outputTokens += c.OutputTokens
			case ApiStreamErrorChunk:
				span.RecordError(c.Err)
				span.SetStatus(codes.Error, c.Err.Error())
			}
			if !Emit(ctx, out, chunk) {
				span.SetStatus(codes.Error, "cancelled")
				// let the provider goroutine finish
				for range stream {
				}
				return
			}
		}
		span.SetAttributes(
			attribute.Int("llm.tool_calls", toolCalls),
			attribute.Int("llm.output_tokens", outputTokens),
		)
	}()
	return out, nil
}

func (th *tracingHandler) modelID(opts ChatOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return th.handler.GetModel().ID
}

func (th *tracingHandler) GetModel() ModelResponse {
	return th.handler.GetModel()
}

func (th *tracingHandler) Provider() ProviderType {
	return th.handler.Provider()
}
