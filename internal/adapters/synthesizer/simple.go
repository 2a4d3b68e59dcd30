package synthesizer

import (
	"context"
	"strings"

	"channel-reports/internal/domain"
)

// Simple строит отчёт без обращения к LLM. Используется в dev-окружении
// и в тестах, где важна форма отчёта, а не качество текста.
type Simple struct{}

// NewSimple создаёт синтезатор-заглушку.
func NewSimple() *Simple {
	return &Simple{}
}

// Synthesize склеивает отчёт из первых сообщений канала.
func (s *Simple) Synthesize(_ context.Context, input domain.SynthesisInput) (domain.Report, error) {
	var parts []string
	for _, message := range input.Messages {
		text := strings.TrimSpace(message.Content)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		if len(parts) == 3 {
			break
		}
	}
	body := strings.Join(parts, " ")
	if body == "" {
		body = "За период нет текстовых сообщений"
	}
	if !strings.HasSuffix(body, ".") {
		body += "."
	}
	return buildReport(input, input.Channel.Name, input.Channel.City, body), nil
}

// ExtractEntities у заглушки всегда пуст.
func (s *Simple) ExtractEntities(_ context.Context, _ domain.Report) ([]domain.Entity, error) {
	return nil, nil
}
