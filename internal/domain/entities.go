package domain

import "time"

// Статусы кэша в отчёте, который читает фронтенд.
const (
	CacheStatusHit  = "hit"
	CacheStatusMiss = "miss"
)

// Report — сгенерированный отчёт по каналу за таймфрейм.
// После генерации не изменяется: новый отчёт вытесняет старый, не мутируя его.
type Report struct {
	ReportID             string    `json:"reportId"`
	ChannelID            int64     `json:"channelId"`
	ChannelName          string    `json:"channelName"`
	Headline             string    `json:"headline"`
	City                 string    `json:"city"`
	Body                 string    `json:"body"`
	MessageCount         int       `json:"messageCount"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp"`
	GeneratedAt          time.Time `json:"generatedAt"`
	Timeframe            Timeframe `json:"timeframe"`
	MessageIDs           []string  `json:"messageIds"`
	CacheStatus          string    `json:"cacheStatus,omitempty"`
}

// Channel описывает канал-источник сообщений.
type Channel struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	City      string    `json:"city,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message представляет сообщение канала в том виде, в котором его отдаёт платформа-источник.
type Message struct {
	ID                string
	ChannelID         int64
	AuthorName        string
	Content           string
	Embeds            []Embed
	ReferencedContent string
	Timestamp         time.Time
}

// Embed — вложение сообщения.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// EmbedField — пара имя/значение внутри вложения.
type EmbedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ChannelMessageCounts — количество сообщений канала по скользящим окнам.
// Пересчитывается целиком за один проход, частичных обновлений не бывает.
type ChannelMessageCounts struct {
	ChannelID   int64          `json:"channelId"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Counts      map[Window]int `json:"counts"`
}

// Count возвращает значение окна (0, если окно не заполнялось).
func (c ChannelMessageCounts) Count(w Window) int {
	if c.Counts == nil {
		return 0
	}
	return c.Counts[w]
}

// ReportDecision — решение о необходимости генерации отчёта для канала.
type ReportDecision struct {
	ChannelID      int64                `json:"channelId"`
	ShouldGenerate bool                 `json:"shouldGenerate"`
	Reason         string               `json:"reason"`
	Counts         ChannelMessageCounts `json:"counts"`
}

// EntityType — тип извлечённой из отчёта сущности.
type EntityType string

const (
	// EntityPerson — человек.
	EntityPerson EntityType = "person"
	// EntityOrganization — организация.
	EntityOrganization EntityType = "organization"
	// EntityLocation — географическое место.
	EntityLocation EntityType = "location"
)

// Entity — именованная сущность, упомянутая в отчёте.
type Entity struct {
	Type EntityType `json:"type"`
	Name string     `json:"name"`
}

// ExecutiveOrder — указ из Federal Register API.
type ExecutiveOrder struct {
	DocumentNumber  string    `json:"documentNumber"`
	Title           string    `json:"title"`
	SigningDate     string    `json:"signingDate"`
	PublicationDate string    `json:"publicationDate"`
	HTMLURL         string    `json:"htmlUrl,omitempty"`
	PDFURL          string    `json:"pdfUrl,omitempty"`
	Abstract        string    `json:"abstract,omitempty"`
	RawText         string    `json:"rawText,omitempty"`
	FetchedAt       time.Time `json:"fetchedAt"`
}
