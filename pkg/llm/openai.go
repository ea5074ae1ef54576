package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/calder-ai/steward/pkg/convo"
	"github.com/calder-ai/steward/pkg/tool"
)

// OpenAIService implements Service for OpenAI chat models.
type OpenAIService struct {
	client openai.Client
}

// NewOpenAIService creates an OpenAI-backed service.
func NewOpenAIService(apiKey string) (*OpenAIService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return &OpenAIService{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Provider returns the provider name.
func (s *OpenAIService) Provider() string {
	return "openai"
}

// ValidateTools checks tool schemas against provider constraints.
func (s *OpenAIService) ValidateTools(_ context.Context, schemas []tool.Schema) error {
	return validateToolSchemas(schemas)
}

func (s *OpenAIService) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case convo.RoleSystem:
			continue // carried above

		case convo.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))

		case convo.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				toolCalls := []openai.ChatCompletionMessageToolCall{}
				for _, tc := range msg.ToolCalls {
					argsJSON, err := json.Marshal(tc.Args)
					if err != nil {
						return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool args: %w", err)
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					})
				}

				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
			} else {
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}

		case convo.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.ToolCallID, msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, schema := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        schema.Name,
					Description: openai.String(schema.Description),
					Parameters:  openai.FunctionParameters(schema.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func convertOpenAIMessage(message openai.ChatCompletionMessage, finishReason string, usage openai.CompletionUsage) (*Response, error) {
	toolCalls := []tool.Call{}
	for _, tc := range message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		toolCalls = append(toolCalls, tool.Call{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}

	return &Response{
		Content:      message.Content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: &TokenUsage{
			InputTokens:  int(usage.PromptTokens),
			OutputTokens: int(usage.CompletionTokens),
		},
	}, nil
}

// SendRequest performs one blocking round-trip.
func (s *OpenAIService) SendRequest(ctx context.Context, req Request) (*Response, error) {
	params, err := s.buildParams(req)
	if err != nil {
		return nil, err
	}

	completion, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	return convertOpenAIMessage(completion.Choices[0].Message, completion.Choices[0].FinishReason, completion.Usage)
}

// StreamRequest performs one round-trip, delivering text deltas as they
// arrive.
func (s *OpenAIService) StreamRequest(ctx context.Context, req Request, onChunk ChunkHandler) (*Response, error) {
	params, err := s.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := s.client.Chat.Completions.NewStreaming(ctx, params)

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if onChunk != nil && len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				onChunk(StreamChunk{Text: delta})
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	return convertOpenAIMessage(acc.Choices[0].Message, acc.Choices[0].FinishReason, acc.Usage)
}
