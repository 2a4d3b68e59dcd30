package domain

import (
	"context"
	"time"
)

// ReportJobCause описывает источник запроса на генерацию отчёта.
type ReportJobCause string

const (
	// ReportCauseScheduled — задача поставлена планировщиком по решению учёта активности.
	ReportCauseScheduled ReportJobCause = "scheduled"
	// ReportCauseManual — генерация запрошена вручную.
	ReportCauseManual ReportJobCause = "manual"
)

// ReportJob содержит информацию о задаче генерации отчёта.
type ReportJob struct {
	ID          string         `json:"job_id,omitempty"`
	ChannelID   int64          `json:"channel_id"`
	Timeframe   Timeframe      `json:"timeframe"`
	RequestedAt time.Time      `json:"requested_at"`
	Cause       ReportJobCause `json:"cause"`
}

// AckFunc подтверждает успешную обработку или возвращает задачу в очередь.
type AckFunc func(success bool) error

// ReportQueue описывает очередь задач генерации отчётов.
type ReportQueue interface {
	Enqueue(ctx context.Context, job ReportJob) error
	Receive(ctx context.Context) (ReportJob, AckFunc, error)
}

// ReportJobStatusRepo отвечает за идемпотентную доставку задач: учёт
// попыток и отметку о завершении.
type ReportJobStatusRepo interface {
	EnsureJob(ctx context.Context, jobID string) (delivered bool, attempt int, err error)
	MarkDelivered(ctx context.Context, jobID string) error
}
