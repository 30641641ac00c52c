package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
)

const systemPrompt = `You are a writing assistant editing a shared plain-text document.
Reply with exactly one JSON object and nothing else:
{"type":"insert|delete|replace","position":0,"length":0,"content":""}
position and length count Unicode code points from the start of the document.
"length" is required for delete and replace, "content" for insert and replace.`

type OpenAIProposer struct {
	client *openai.Client
	model  string
}

func NewOpenAIProposer(apiKey, baseURL, model string) *OpenAIProposer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIProposer{client: openai.NewClientWithConfig(cfg), model: model}
}

func (p *OpenAIProposer) Propose(ctx context.Context, snap collab.Snapshot, req Request) (ot.Operation, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Document (revision %d):\n<<<\n%s\n>>>\n", snap.Revision, snap.Content)
	if req.Context != "" {
		fmt.Fprintf(&user, "Context: %s\n", req.Context)
	}
	fmt.Fprintf(&user, "Request: %s", req.Query)

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return ot.Operation{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ot.Operation{}, errors.New("chat completion returned no choices")
	}
	return parseProposal(resp.Choices[0].Message.Content, snap.Content)
}

type proposedEdit struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
	Length   int    `json:"length"`
	Content  string `json:"content"`
}

// parseProposal 优先按 JSON 编辑解析；不是合法编辑时把回复追加到文末
func parseProposal(reply, content string) (ot.Operation, error) {
	text := strings.TrimSpace(reply)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return ot.Operation{}, errors.New("empty agent reply")
	}

	var edit proposedEdit
	if err := json.Unmarshal([]byte(text), &edit); err == nil && edit.Type != "" {
		op := ot.Operation{Type: ot.Type(edit.Type), Position: edit.Position, Length: edit.Length, Content: edit.Content}
		if err := op.Validate(); err == nil {
			return op, nil
		}
	}

	end := utf8.RuneCountInString(content)
	if end > 0 && !strings.HasSuffix(content, "\n") {
		text = "\n" + text
	}
	return ot.NewInsert("", 0, end, text), nil
}
