package domain

import "time"

// TrackedUser описывает сотрудника, чьи ответы на внешние письма отслеживаются.
// Записи создаются внешней админкой; ядро их только читает.
type TrackedUser struct {
	ID              int64
	Email           string
	Domain          string
	GroupName       string
	Timezone        string
	ExcludeWeekends bool
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UnavailabilityPeriod — объявленный период недоступности пользователя
// (отпуск, болезнь). Даты включительно.
type UnavailabilityPeriod struct {
	ID        int64
	UserEmail string
	StartDate time.Time
	EndDate   time.Time
	Note      string
}

// DateSet хранит множество календарных дат в формате ISO (2006-01-02).
type DateSet map[string]struct{}

// Has проверяет, входит ли календарная дата момента t в множество.
func (s DateSet) Has(t time.Time) bool {
	_, ok := s[t.Format("2006-01-02")]
	return ok
}

// Add добавляет дату момента t.
func (s DateSet) Add(t time.Time) {
	s[t.Format("2006-01-02")] = struct{}{}
}

// RawMessage — сообщение треда в том виде, в котором его вернул источник:
// заголовки как есть, тело уже извлечено адаптером.
type RawMessage struct {
	From    string
	Date    string
	Subject string
	Snippet string
	Body    string
}

// RawConversation — сырой тред источника до разбора таймлайна.
type RawConversation struct {
	ThreadID string
	Messages []RawMessage
}

// ConversationEvent — одно сообщение переписки после разбора заголовков.
type ConversationEvent struct {
	Sender      string
	Timestamp   time.Time
	BodyPreview string
}

// Conversation — восстановленная лента сообщений одного треда,
// отсортированная по времени. Никогда не сохраняется, живёт в рамках запуска.
type Conversation struct {
	ThreadID string
	Subject  string
	Events   []ConversationEvent
}

// ResponsePair — пара «внешнее письмо → первый последующий ответ пользователя».
// Естественный ключ: (ThreadID, RepliedAt).
type ResponsePair struct {
	ID             int64
	UserEmail      string
	ExternalSender string
	Subject        string
	ReceivedAt     time.Time
	RepliedAt      time.Time
	ResponseHours  float64
	AdjustedHours  *float64
	ThreadID       string
}

// ReceivedEmail — входящее внешнее письмо; отметка об ответе заполняется
// из найденной пары. Естественный ключ: (ThreadID, ReceivedAt).
type ReceivedEmail struct {
	ID            int64
	UserEmail     string
	SenderEmail   string
	Subject       string
	ReceivedAt    time.Time
	ThreadID      string
	Replied       bool
	RepliedAt     *time.Time
	ResponseHours *float64
	BodyPreview   string
}

// DailyStat — производные агрегаты по пользователю за календарный день.
// Естественный ключ: (UserEmail, Date). Полностью пересчитываемы из пар
// и записей исключений, руками не правятся.
type DailyStat struct {
	UserEmail      string
	Date           string
	EmailsReceived int
	EmailsSent     int
	PairsCount     int
	AvgHours       *float64
	MedianHours    *float64
	MinHours       *float64
	MaxHours       *float64
	AvgAdjusted    *float64
	MedianAdjusted *float64
	UpdatedAt      time.Time
}

// ExcludedPair — пара, вручную убранная из агрегатов. Сама пара при этом
// остаётся в хранилище и может быть восстановлена.
type ExcludedPair struct {
	ID             int64
	UserEmail      string
	ThreadID       string
	RepliedAt      time.Time
	ExternalSender string
	Subject        string
	ResponseHours  float64
	ExcludedAt     time.Time
}

// WhitelistedPair — пара, освобождённая от автоматического порогового
// отсечения по длительности.
type WhitelistedPair struct {
	ID             int64
	UserEmail      string
	ThreadID       string
	RepliedAt      time.Time
	ExternalSender string
	Subject        string
	ResponseHours  float64
	WhitelistedAt  time.Time
}

// DailyTally — счётчики полученных и отправленных писем по датам,
// не связанные с парами.
type DailyTally struct {
	Received map[string]int
	Sent     map[string]int
}

// NewDailyTally создаёт пустые счётчики.
func NewDailyTally() DailyTally {
	return DailyTally{Received: make(map[string]int), Sent: make(map[string]int)}
}

// Merge добавляет счётчики другого подсчёта.
func (t DailyTally) Merge(other DailyTally) {
	for date, n := range other.Received {
		t.Received[date] += n
	}
	for date, n := range other.Sent {
		t.Sent[date] += n
	}
}

// UserRunStats — итоги обработки одного пользователя за запуск.
type UserRunStats struct {
	UserEmail      string
	Conversations  int
	Pairs          int
	NewPairs       int
	EmailsReceived int
	EmailsSent     int
}

// RunReport — итог запуска по всем целевым пользователям.
type RunReport struct {
	Users      []UserRunStats
	Failed     []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// AllFailed возвращает true, если не обработан ни один пользователь.
func (r RunReport) AllFailed() bool {
	return len(r.Failed) > 0 && len(r.Users) == 0
}
