package synthesizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"channel-reports/internal/domain"
	openai "channel-reports/internal/infra/openai"
)

// Entities реализует domain.EntityExtractor через OpenAI Chat Completions.
type Entities struct {
	client  chatClient
	model   string
	timeout time.Duration
}

// NewEntities создаёт экстрактор сущностей.
func NewEntities(client chatClient, model string, timeout time.Duration) *Entities {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Entities{client: client, model: model, timeout: timeout}
}

type entitiesPayload struct {
	Entities []struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"entities"`
}

// ExtractEntities извлекает людей, организации и места из готового отчёта.
func (e *Entities) ExtractEntities(ctx context.Context, report domain.Report) ([]domain.Entity, error) {
	text := strings.TrimSpace(report.Headline + "\n" + report.Body)
	if text == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	userPrompt := fmt.Sprintf(`Выдели из текста именованные сущности.
Верни JSON формата {"entities": [{"type": "person|organization|location", "name": "..."}]} без пояснений.
Текст:
%s`, clipRunes(text, 6000))

	req := openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0,
		MaxTokens:   600,
		Messages: []openai.ChatMessage{
			{
				Role:    openai.RoleSystem,
				Content: "Ты аннотатор. Выделяй только сущности, явно названные в тексте.",
			},
			{
				Role:    openai.RoleUser,
				Content: userPrompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai completion: пустой ответ")
	}
	var parsed entitiesPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Choices[0].Message.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("распаковка ответа LLM: %w", err)
	}

	seen := make(map[string]struct{}, len(parsed.Entities))
	entities := make([]domain.Entity, 0, len(parsed.Entities))
	for _, raw := range parsed.Entities {
		name := strings.TrimSpace(raw.Name)
		entityType := domain.EntityType(strings.ToLower(strings.TrimSpace(raw.Type)))
		if name == "" || !knownEntityType(entityType) {
			continue
		}
		key := string(entityType) + "|" + strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		entities = append(entities, domain.Entity{Type: entityType, Name: name})
	}
	return entities, nil
}

func knownEntityType(t domain.EntityType) bool {
	switch t {
	case domain.EntityPerson, domain.EntityOrganization, domain.EntityLocation:
		return true
	}
	return false
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
