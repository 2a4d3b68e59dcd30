package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"channel-reports/internal/domain"
	"channel-reports/internal/infra/metrics"
)

// Postgres реализует чтение каналов и сообщений на основе pgxpool.
// База принадлежит сборщику сообщений, сервис отчётов в неё не пишет.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.MessageSource = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// GetChannel возвращает метаданные канала.
func (p *Postgres) GetChannel(ctx context.Context, channelID int64) (domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		channel domain.Channel
		city    sql.NullString
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, name, city, created_at FROM channels WHERE id=$1
`, channelID).Scan(&channel.ID, &channel.Name, &city, &channel.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "channels_get", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	if err != nil {
		return domain.Channel{}, err
	}
	channel.City = city.String
	return channel, nil
}

// ListActiveChannels возвращает каналы хотя бы с одним сообщением после since.
func (p *Postgres) ListActiveChannels(ctx context.Context, since time.Time) ([]domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT c.id, c.name, c.city, c.created_at
FROM channels c
WHERE EXISTS (SELECT 1 FROM messages m WHERE m.channel_id = c.id AND m.posted_at >= $1)
ORDER BY c.id
`, since)
	metrics.ObserveNetworkRequest("postgres", "channels_list_active", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		var (
			channel domain.Channel
			city    sql.NullString
		)
		if err := rows.Scan(&channel.ID, &channel.Name, &city, &channel.CreatedAt); err != nil {
			return nil, err
		}
		channel.City = city.String
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

// CountMessages считает сообщения канала по всем окнам одним запросом.
func (p *Postgres) CountMessages(ctx context.Context, channelID int64, now time.Time) (domain.ChannelMessageCounts, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var m5, m15, h1, h6, d1, d7 int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT
  count(*) FILTER (WHERE posted_at >= $2::timestamptz - interval '5 minutes'),
  count(*) FILTER (WHERE posted_at >= $2::timestamptz - interval '15 minutes'),
  count(*) FILTER (WHERE posted_at >= $2::timestamptz - interval '1 hour'),
  count(*) FILTER (WHERE posted_at >= $2::timestamptz - interval '6 hours'),
  count(*) FILTER (WHERE posted_at >= $2::timestamptz - interval '1 day'),
  count(*)
FROM messages
WHERE channel_id = $1 AND posted_at >= $2::timestamptz - interval '7 days' AND posted_at <= $2::timestamptz
`, channelID, now).Scan(&m5, &m15, &h1, &h6, &d1, &d7)
	metrics.ObserveNetworkRequest("postgres", "messages_count_windows", "messages", start, err)
	if err != nil {
		return domain.ChannelMessageCounts{}, fmt.Errorf("count messages: %w", err)
	}

	return domain.ChannelMessageCounts{
		ChannelID:   channelID,
		LastUpdated: now.UTC(),
		Counts: map[domain.Window]int{
			domain.Window5Min:  m5,
			domain.Window15Min: m15,
			domain.Window1h:    h1,
			domain.Window6h:    h6,
			domain.Window1d:    d1,
			domain.Window7d:    d7,
		},
	}, nil
}

// ListMessagesSince возвращает сообщения канала после since, свежие первыми.
func (p *Postgres) ListMessagesSince(ctx context.Context, channelID int64, since time.Time, limit int) ([]domain.Message, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, channel_id, author_name, content, embeds, referenced_content, posted_at
FROM messages
WHERE channel_id = $1 AND posted_at >= $2
ORDER BY posted_at DESC
LIMIT $3
`, channelID, since, limit)
	metrics.ObserveNetworkRequest("postgres", "messages_list_since", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var (
			message    domain.Message
			embedsRaw  []byte
			referenced sql.NullString
		)
		if err := rows.Scan(&message.ID, &message.ChannelID, &message.AuthorName, &message.Content, &embedsRaw, &referenced, &message.Timestamp); err != nil {
			return nil, err
		}
		if len(embedsRaw) > 0 {
			if err := json.Unmarshal(embedsRaw, &message.Embeds); err != nil {
				return nil, fmt.Errorf("decode embeds %s: %w", message.ID, err)
			}
		}
		message.ReferencedContent = referenced.String
		messages = append(messages, message)
	}
	return messages, rows.Err()
}
