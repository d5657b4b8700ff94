package domain

import (
	"context"
	"time"
)

// RunMode задаёт глубину выборки тредов за запуск.
type RunMode string

const (
	// RunModeNormal — обычный запуск с умеренным лимитом тредов.
	RunModeNormal RunMode = "normal"
	// RunModeBackfill — расширенный запуск для догрузки истории.
	RunModeBackfill RunMode = "backfill"
)

// RunJobCause описывает источник запроса на запуск аудита.
type RunJobCause string

const (
	// RunCauseManual — запуск запрошен оператором через API.
	RunCauseManual RunJobCause = "manual"
	// RunCauseScheduled — запуск создан планировщиком.
	RunCauseScheduled RunJobCause = "scheduled"
)

// RunJob — задача на запуск аудита. Пустой UserEmail означает
// «все активные пользователи».
type RunJob struct {
	ID          string      `json:"job_id,omitempty"`
	UserEmail   string      `json:"user_email,omitempty"`
	Mode        RunMode     `json:"mode"`
	Cause       RunJobCause `json:"cause"`
	RequestedAt time.Time   `json:"requested_at"`
}

// RunQueue — очередь задач на запуск аудита.
type RunQueue interface {
	Enqueue(ctx context.Context, job RunJob) error
	Receive(ctx context.Context) (RunJob, RunAckFunc, error)
}

// RunAckFunc подтверждает обработку задачи или возвращает её в очередь.
type RunAckFunc func(success bool) error

// RunJobStatusRepo отвечает за идемпотентную обработку задач запуска.
type RunJobStatusRepo interface {
	// EnsureRunJob регистрирует попытку обработки и возвращает признак
	// завершённости задачи и номер текущей попытки.
	EnsureRunJob(jobID string) (done bool, attempt int, err error)
	// MarkRunJobDone помечает задачу окончательно обработанной.
	MarkRunJobDone(jobID string) error
}
