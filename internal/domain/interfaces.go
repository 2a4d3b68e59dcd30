package domain

import (
	"context"
	"errors"
	"time"
)

// ErrChannelNotFound возвращается, если канал отсутствует в хранилище источника.
var ErrChannelNotFound = errors.New("канал не найден")

// MessageSource — доступ к каналам и их сообщениям.
// Сам сбор сообщений с платформы-источника лежит вне системы: здесь только чтение.
type MessageSource interface {
	// GetChannel возвращает метаданные канала.
	GetChannel(ctx context.Context, channelID int64) (Channel, error)
	// ListActiveChannels возвращает каналы хотя бы с одним сообщением после since.
	ListActiveChannels(ctx context.Context, since time.Time) ([]Channel, error)
	// CountMessages считает сообщения канала по всем окнам за один проход.
	CountMessages(ctx context.Context, channelID int64, now time.Time) (ChannelMessageCounts, error)
	// ListMessagesSince возвращает сообщения канала после since, свежие первыми.
	ListMessagesSince(ctx context.Context, channelID int64, since time.Time, limit int) ([]Message, error)
}

// SynthesisInput — входные данные для синтеза отчёта.
type SynthesisInput struct {
	Channel   Channel
	Timeframe Timeframe
	Prompt    string
	Messages  []Message
}

// ReportSynthesizer строит отчёт через внешний сервис генерации текста.
// Единственный компонент, чья ошибка доходит до вызывающего кода: отчёт либо
// корректен, либо генерация завершается ошибкой после исчерпания попыток.
type ReportSynthesizer interface {
	Synthesize(ctx context.Context, input SynthesisInput) (Report, error)
}

// EntityExtractor извлекает именованные сущности из готового отчёта.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, report Report) ([]Entity, error)
}
