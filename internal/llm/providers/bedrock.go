package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockHandler runs Anthropic models on AWS Bedrock through the AWS SDK v2
type BedrockHandler struct {
	options llm.ApiHandlerOptions
	region  string

	once      sync.Once
	client    *bedrockruntime.Client
	clientErr error
}

// NewBedrockHandler creates a new Bedrock handler. Credentials come from the
// default AWS chain.
func NewBedrockHandler(options llm.ApiHandlerOptions) *BedrockHandler {
	region := options.AWSRegion
	if region == "" {
		region = "us-east-1"
	}
	return &BedrockHandler{options: options, region: region}
}

func (h *BedrockHandler) Provider() llm.ProviderType { return llm.ProviderBedrock }

func (h *BedrockHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:     anthropicDefaultMaxTokens,
			ContextWindow: 200000,
			SupportsTools: true,
			Description:   "Anthropic model on AWS Bedrock",
		},
	}
}

func (h *BedrockHandler) getClient(ctx context.Context) (*bedrockruntime.Client, error) {
	h.once.Do(func() {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(h.region))
		if err != nil {
			h.clientErr = err
			return
		}
		h.client = bedrockruntime.NewFromConfig(cfg)
	})
	if h.clientErr != nil {
		return nil, llm.NewConfigurationError("failed to load AWS config: %v", h.clientErr)
	}
	return h.client, nil
}

type bedrockContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type bedrockMessage struct {
	Role    string           `json:"role"`
	Content []bedrockContent `json:"content"`
}

type bedrockTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	System           string           `json:"system,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	Tools            []bedrockTool    `json:"tools,omitempty"`
}

// bedrockEvent is one decoded chunk of the Anthropic event stream
type bedrockEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta,omitempty"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
}

// CreateMessage invokes the model with a response stream
func (h *BedrockHandler) CreateMessage(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (llm.ApiStream, error) {
	client, err := h.getClient(ctx)
	if err != nil {
		return nil, err
	}

	body, err := h.buildBody(messages, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	output, err := client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelOr(opts.Model, h.options.ModelID)),
		Body:        body,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, llm.NewProviderError(llm.ProviderBedrock, err)
	}

	out := make(chan llm.ApiStreamChunk, 100)
	go func() {
		defer close(out)
		eventStream := output.GetStream()
		defer eventStream.Close()

		var usage llm.ApiStreamUsageChunk
		type pendingTool struct {
			call llm.ToolCall
			args strings.Builder
		}
		tools := map[int]*pendingTool{}
		var order []int

		for event := range eventStream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var ev bedrockEvent
			if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
				log.Debug("Skipping malformed Bedrock event", "error", err)
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					usage.InputTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					tools[ev.Index] = &pendingTool{call: llm.ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}}
					order = append(order, ev.Index)
				}
			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					if !llm.Emit(ctx, out, llm.ApiStreamTextChunk{Text: ev.Delta.Text}) {
						return
					}
				case "input_json_delta":
					if pt, ok := tools[ev.Index]; ok {
						pt.args.WriteString(ev.Delta.PartialJSON)
					}
				}
			case "message_delta":
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			}
		}

		if err := eventStream.Err(); err != nil {
			log.Error("Bedrock stream error", "error", err)
			llm.Emit(ctx, out, llm.ApiStreamErrorChunk{Err: llm.NewProviderError(llm.ProviderBedrock, err)})
			return
		}

		for _, index := range order {
			pt := tools[index]
			pt.call.Arguments = pt.args.String()
			if !llm.Emit(ctx, out, llm.ApiStreamToolCallChunk{ToolCall: pt.call}) {
				return
			}
		}
		llm.Emit(ctx, out, usage)
	}()

	return out, nil
}

func (h *BedrockHandler) buildBody(messages []llm.Message, opts llm.ChatOptions) ([]byte, error) {
	maxTokens := maxTokensOr(opts.MaxTokens, h.options.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	request := bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		Temperature:      opts.Temperature,
	}

	var system []string
	appendTurn := func(role string, blocks ...bedrockContent) {
		if n := len(request.Messages); n > 0 && request.Messages[n-1].Role == role {
			request.Messages[n-1].Content = append(request.Messages[n-1].Content, blocks...)
			return
		}
		request.Messages = append(request.Messages, bedrockMessage{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
		case llm.RoleAssistant:
			var blocks []bedrockContent
			if msg.Content != "" {
				blocks = append(blocks, bedrockContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, bedrockContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage(tc.ArgumentsJSON()),
				})
			}
			if len(blocks) > 0 {
				appendTurn("assistant", blocks...)
			}
		case llm.RoleTool:
			appendTurn("user", bedrockContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   strings.HasPrefix(msg.Content, "Error:"),
			})
		default:
			appendTurn("user", bedrockContent{Type: "text", Text: msg.Content})
		}
	}
	request.System = strings.Join(system, "\n\n")

	for _, tool := range opts.Tools {
		request.Tools = append(request.Tools, bedrockTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.JSONSchema(),
		})
	}

	return json.Marshal(request)
}
