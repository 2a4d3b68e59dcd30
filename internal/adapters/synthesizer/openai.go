package synthesizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"channel-reports/internal/domain"
	openai "channel-reports/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI реализует domain.ReportSynthesizer через OpenAI Chat Completions.
// Ответ модели обязан быть корректным JSON с заголовком и телом; обрывы и
// нечитаемые ответы повторяются до исчерпания попыток, после чего ошибка
// отдаётся вызывающему.
type OpenAI struct {
	client      chatClient
	model       string
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration
}

// NewOpenAI создаёт синтезатор отчётов.
func NewOpenAI(client chatClient, model string, timeout time.Duration, maxAttempts int, retryDelay time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout, maxAttempts: maxAttempts, retryDelay: retryDelay}
}

type reportPayload struct {
	Headline string `json:"headline"`
	City     string `json:"city"`
	Body     string `json:"body"`
}

// Synthesize строит отчёт по подготовленному промпту.
func (s *OpenAI) Synthesize(ctx context.Context, input domain.SynthesisInput) (domain.Report, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return domain.Report{}, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
		report, err := s.attempt(ctx, input)
		if err != nil {
			lastErr = err
			continue
		}
		return report, nil
	}
	return domain.Report{}, fmt.Errorf("синтез отчёта: %d попыток исчерпано: %w", s.maxAttempts, lastErr)
}

func (s *OpenAI) attempt(ctx context.Context, input domain.SynthesisInput) (domain.Report, error) {
	actx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.3,
		MaxTokens:   4096,
		Messages: []openai.ChatMessage{
			{
				Role:    openai.RoleSystem,
				Content: "Ты редактор сводок активности каналов. Пиши связный отчёт по фактам из сообщений и не выдумывай ничего нового.",
			},
			{
				Role:    openai.RoleUser,
				Content: input.Prompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	resp, err := s.client.CreateChatCompletion(actx, req)
	if err != nil {
		return domain.Report{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Report{}, fmt.Errorf("openai completion: пустой ответ")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		return domain.Report{}, fmt.Errorf("ответ оборван по лимиту токенов")
	}

	content := strings.TrimSpace(choice.Message.Content)
	var parsed reportPayload
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return domain.Report{}, fmt.Errorf("распаковка ответа LLM: %w", err)
	}
	headline := strings.TrimSpace(parsed.Headline)
	body := strings.TrimSpace(parsed.Body)
	if headline == "" || body == "" {
		return domain.Report{}, fmt.Errorf("ответ без заголовка или текста")
	}
	if looksTruncated(body) {
		return domain.Report{}, fmt.Errorf("текст отчёта выглядит оборванным")
	}

	return buildReport(input, headline, strings.TrimSpace(parsed.City), body), nil
}

// buildReport собирает итоговый отчёт из проверенных частей.
func buildReport(input domain.SynthesisInput, headline, city, body string) domain.Report {
	if city == "" {
		city = input.Channel.City
	}
	ids := make([]string, 0, len(input.Messages))
	var last time.Time
	for _, message := range input.Messages {
		ids = append(ids, message.ID)
		if message.Timestamp.After(last) {
			last = message.Timestamp
		}
	}
	return domain.Report{
		ReportID:             uuid.NewString(),
		ChannelID:            input.Channel.ID,
		ChannelName:          input.Channel.Name,
		Headline:             strings.ToUpper(headline),
		City:                 city,
		Body:                 body,
		MessageCount:         len(input.Messages),
		LastMessageTimestamp: last.UTC(),
		GeneratedAt:          time.Now().UTC(),
		Timeframe:            input.Timeframe,
		MessageIDs:           ids,
	}
}

// looksTruncated считает текст оборванным, если после снятия одной
// закрывающей кавычки он не оканчивается завершающей пунктуацией.
func looksTruncated(body string) bool {
	runes := []rune(strings.TrimSpace(body))
	if len(runes) == 0 {
		return true
	}
	last := runes[len(runes)-1]
	if isClosingQuote(last) {
		if len(runes) == 1 {
			return true
		}
		runes = runes[:len(runes)-1]
		last = runes[len(runes)-1]
	}
	switch last {
	case '.', '!', '?', '…':
		return false
	}
	return true
}

func isClosingQuote(r rune) bool {
	switch r {
	case '"', '\'', '»', '”', '’':
		return true
	}
	return false
}
