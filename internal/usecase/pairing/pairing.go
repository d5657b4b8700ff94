package pairing

import (
	"math"
	"strings"
	"time"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/classify"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/timeline"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/workhours"
)

const maxSenderLen = 200

// Result — результат обработки одного треда.
type Result struct {
	Pairs          []domain.ResponsePair
	ReceivedEmails []domain.ReceivedEmail
	Tally          domain.DailyTally
}

// Engine строит ответные пары по восстановленной ленте треда. Классификатор
// и календарные настройки пользователя передаются при создании и действуют
// на весь запуск.
type Engine struct {
	classifier classify.Classifier
	settings   workhours.Settings
}

// NewEngine создаёт движок подбора пар для одного пользователя.
func NewEngine(classifier classify.Classifier, settings workhours.Settings) Engine {
	return Engine{classifier: classifier, settings: settings}
}

// Process обрабатывает один тред: подсчитывает дневные счётчики, строит
// записи входящих писем и находит для каждого внешнего письма первый
// последующий ответ пользователя. Один ответ может закрыть несколько
// внешних писем; каждое внешнее письмо даёт не более одной пары.
func (e Engine) Process(conv domain.Conversation, userEmail string) Result {
	result := Result{Tally: domain.NewDailyTally()}
	if len(conv.Events) == 0 {
		return result
	}

	user := strings.ToLower(userEmail)

	for _, ev := range conv.Events {
		date := ev.Timestamp.Format("2006-01-02")
		switch {
		case ev.Sender == user:
			result.Tally.Sent[date]++
		case e.classifier.Kind(ev.Sender) == classify.KindExternal:
			result.Tally.Received[date]++
			result.ReceivedEmails = append(result.ReceivedEmails, domain.ReceivedEmail{
				UserEmail:   userEmail,
				SenderEmail: timeline.Truncate(ev.Sender, maxSenderLen),
				Subject:     conv.Subject,
				ReceivedAt:  ev.Timestamp,
				ThreadID:    conv.ThreadID,
				BodyPreview: ev.BodyPreview,
			})
		}
	}

	// Для подбора пар нужно хотя бы два разобранных сообщения.
	if len(conv.Events) < 2 {
		return result
	}

	for i, ev := range conv.Events {
		if ev.Sender == user || e.classifier.Kind(ev.Sender) != classify.KindExternal {
			continue
		}
		for j := i + 1; j < len(conv.Events); j++ {
			if conv.Events[j].Sender != user {
				continue
			}
			replied := conv.Events[j].Timestamp
			raw := round2(replied.Sub(ev.Timestamp).Hours())
			adjusted := round2(workhours.AdjustedHours(ev.Timestamp, replied, e.settings))
			result.Pairs = append(result.Pairs, domain.ResponsePair{
				UserEmail:      userEmail,
				ExternalSender: timeline.Truncate(ev.Sender, maxSenderLen),
				Subject:        conv.Subject,
				ReceivedAt:     ev.Timestamp,
				RepliedAt:      replied,
				ResponseHours:  raw,
				AdjustedHours:  &adjusted,
				ThreadID:       conv.ThreadID,
			})
			// Только первый ответ на каждое внешнее письмо.
			break
		}
	}

	backfillReplies(result.ReceivedEmails, result.Pairs)
	return result
}

// backfillReplies проставляет отметку об ответе во входящих письмах по
// ключу (thread_id, received_at).
func backfillReplies(emails []domain.ReceivedEmail, pairs []domain.ResponsePair) {
	if len(emails) == 0 || len(pairs) == 0 {
		return
	}
	type key struct {
		threadID string
		received time.Time
	}
	lookup := make(map[key]domain.ResponsePair, len(pairs))
	for _, p := range pairs {
		lookup[key{p.ThreadID, p.ReceivedAt}] = p
	}
	for i := range emails {
		p, ok := lookup[key{emails[i].ThreadID, emails[i].ReceivedAt}]
		if !ok {
			continue
		}
		repliedAt := p.RepliedAt
		hours := p.ResponseHours
		emails[i].Replied = true
		emails[i].RepliedAt = &repliedAt
		emails[i].ResponseHours = &hours
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
