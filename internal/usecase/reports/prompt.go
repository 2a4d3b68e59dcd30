package reports

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"channel-reports/internal/domain"
)

const (
	// previousReportLimit — сколько прошлых отчётов попадает в контекст
	// генерации.
	previousReportLimit = 2
	// previousReportClip — потолок длины одного прошлого отчёта в рунах.
	previousReportClip = 2000
)

// Prompt — собранный промпт генерации.
type Prompt struct {
	Text       string
	TokenCount int
	// Messages — сообщения, вошедшие в бюджет, свежие первыми.
	Messages []domain.Message
	// Dropped — сколько сообщений не поместилось в бюджет.
	Dropped int
}

// PromptBuilder собирает промпт генерации в пределах контекстного окна
// модели. Число токенов оценивается по числу символов без обращения к
// токенизатору.
type PromptBuilder struct {
	maxContextTokens int
	outputBuffer     int
	overhead         int
	tokensPerChar    float64
}

// NewPromptBuilder создаёт сборщик с бюджетом модели по умолчанию.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{
		maxContextTokens: 128000,
		outputBuffer:     4096,
		overhead:         1000,
		tokensPerChar:    0.25,
	}
}

var linkPattern = regexp.MustCompile(`https?://\S+`)

// Build собирает промпт из сообщений и контекста прошлых отчётов.
// Сначала из окна модели вычитается стоимость контекста прошлых
// отчётов, резерв ответа и накладные расходы шаблона; оставшийся бюджет
// заполняется сообщениями жадно в порядке подачи (свежие первыми).
// Первое сообщение, не влезающее в бюджет, обрывает набор: всё, что
// старше, отбрасывается, бюджет не превышается никогда.
func (b *PromptBuilder) Build(channel domain.Channel, timeframe domain.Timeframe, messages []domain.Message, previous []domain.Report, now time.Time) Prompt {
	previousContext := renderPreviousReports(previous)
	budget := b.maxContextTokens - b.outputBuffer - b.overhead - b.estimateTokens(previousContext)
	if budget < 0 {
		budget = 0
	}

	var (
		included []domain.Message
		blocks   []string
		used     int
	)
	for _, message := range messages {
		block := renderMessage(message)
		cost := b.estimateTokens(block)
		if used+cost > budget {
			// Бюджет исчерпан: всё, что старше, не включается.
			break
		}
		used += cost
		included = append(included, message)
		blocks = append(blocks, block)
	}
	if len(included) == 0 && len(messages) > 0 {
		// Хотя бы самое свежее сообщение входит всегда, пусть и урезанным.
		maxChars := int(float64(budget) / b.tokensPerChar)
		included = append(included, messages[0])
		blocks = append(blocks, clipRunes(renderMessage(messages[0]), maxChars))
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Составь сводку активности канала %q за последние %s.\n", channel.Name, timeframe)
	fmt.Fprintf(&prompt, "Сегодня %s.\n", now.UTC().Format("2006-01-02"))
	if channel.City != "" {
		fmt.Fprintf(&prompt, "Канал относится к городу %s.\n", channel.City)
	}
	prompt.WriteString(`Верни JSON формата {"headline": "...", "city": "...", "body": "..."} без пояснений.` + "\n")
	if previousContext != "" {
		fmt.Fprintf(&prompt, "Предыдущие отчёты (%d):\n%s\n", min(len(previous), previousReportLimit), previousContext)
	}
	fmt.Fprintf(&prompt, "Сообщения (%d):\n", len(blocks))
	for _, block := range blocks {
		prompt.WriteString(block)
		prompt.WriteString("\n")
	}

	text := prompt.String()
	return Prompt{
		Text:       text,
		TokenCount: b.estimateTokens(text),
		Messages:   included,
		Dropped:    len(messages) - len(included),
	}
}

// EstimateTokens оценивает стоимость текста в токенах.
func (b *PromptBuilder) EstimateTokens(text string) int {
	return b.estimateTokens(text)
}

func (b *PromptBuilder) estimateTokens(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) * b.tokensPerChar))
}

// renderPreviousReports сжимает прошлые отчёты в контекстный блок: не
// больше двух самых свежих, каждый урезан по длине.
func renderPreviousReports(previous []domain.Report) string {
	if len(previous) == 0 {
		return ""
	}
	if len(previous) > previousReportLimit {
		previous = previous[:previousReportLimit]
	}
	blocks := make([]string, 0, len(previous))
	for _, report := range previous {
		var b strings.Builder
		fmt.Fprintf(&b, "Отчёт от %s", report.GeneratedAt.UTC().Format(time.RFC3339))
		if report.City != "" {
			fmt.Fprintf(&b, " (%s)", report.City)
		}
		fmt.Fprintf(&b, ": %s\n", report.Headline)
		b.WriteString(sanitizeText(report.Body))
		blocks = append(blocks, clipRunes(b.String(), previousReportClip))
	}
	return strings.Join(blocks, "\n\n")
}

// renderMessage приводит сообщение к блоку промпта: строка с меткой
// времени и текстом, затем строки вложений и ответа.
func renderMessage(message domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", message.Timestamp.UTC().Format(time.RFC3339), sanitizeText(message.Content))
	for _, embed := range message.Embeds {
		if title := sanitizeText(embed.Title); title != "" {
			b.WriteString("\nВложение: ")
			b.WriteString(title)
		}
		if desc := sanitizeText(embed.Description); desc != "" {
			b.WriteString("\n")
			b.WriteString(desc)
		}
		for _, field := range embed.Fields {
			name := sanitizeText(field.Name)
			value := sanitizeText(field.Value)
			if name == "" && value == "" {
				continue
			}
			b.WriteString("\n")
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(value)
		}
	}
	if ref := sanitizeText(message.ReferencedContent); ref != "" {
		b.WriteString("\nВ ответ на: ")
		b.WriteString(clipRunes(ref, 200))
	}
	return b.String()
}

// sanitizeText убирает ссылки и схлопывает пробелы.
func sanitizeText(text string) string {
	text = linkPattern.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
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
