package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/calder-ai/steward/pkg/convo"
	"github.com/calder-ai/steward/pkg/tool"
)

// AnthropicService implements Service for Anthropic Claude models.
type AnthropicService struct {
	client anthropic.Client
}

// NewAnthropicService creates an Anthropic-backed service.
func NewAnthropicService(apiKey string) (*AnthropicService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return &AnthropicService{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Provider returns the provider name.
func (s *AnthropicService) Provider() string {
	return "anthropic"
}

// ValidateTools checks tool schemas against provider constraints.
func (s *AnthropicService) ValidateTools(_ context.Context, schemas []tool.Schema) error {
	return validateToolSchemas(schemas)
}

func (s *AnthropicService) buildParams(req Request) anthropic.MessageNewParams {
	messages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case convo.RoleSystem:
			continue // carried in the System field

		case convo.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		case convo.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				blocks := []anthropic.ContentBlockParamUnion{}
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
				}
				messages = append(messages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			} else {
				messages = append(messages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{
						anthropic.NewTextBlock(msg.Content),
					},
				})
			}

		case convo.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, schema := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        schema.Name,
				Description: anthropic.String(schema.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.InputSchema["properties"],
				},
			}
			if required, ok := schema.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}

func convertAnthropicMessage(message *anthropic.Message) (*Response, error) {
	content := ""
	toolCalls := []tool.Call{}

	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}
			toolCalls = append(toolCalls, tool.Call{
				ID:   b.ID,
				Name: b.Name,
				Args: args,
			})
		}
	}

	return &Response{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: string(message.StopReason),
		Usage: &TokenUsage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

// SendRequest performs one blocking round-trip.
func (s *AnthropicService) SendRequest(ctx context.Context, req Request) (*Response, error) {
	message, err := s.client.Messages.New(ctx, s.buildParams(req))
	if err != nil {
		return nil, err
	}
	return convertAnthropicMessage(message)
}

// StreamRequest performs one round-trip, delivering text deltas as they
// arrive.
func (s *AnthropicService) StreamRequest(ctx context.Context, req Request, onChunk ChunkHandler) (*Response, error) {
	stream := s.client.Messages.NewStreaming(ctx, s.buildParams(req))

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if onChunk != nil && delta.Text != "" {
					onChunk(StreamChunk{Text: delta.Text})
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}

	return convertAnthropicMessage(&message)
}
