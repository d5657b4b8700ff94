package timeline

import (
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
)

const (
	maxSubjectLen = 200
	maxPreviewLen = 1000
)

// Даты без смещения встречаются у старых клиентов; трактуем их как UTC.
var naiveLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05",
	"2 Jan 2006 15:04:05",
	"Mon, 2 Jan 2006 15:04",
}

// Extract восстанавливает ленту событий треда: адрес отправителя приводится
// к нижнему регистру и очищается от отображаемого имени, время берётся из
// заголовка Date. Сообщения с нечитаемой датой отбрасываются, остальные
// сортируются по времени со стабильным порядком при равенстве.
func Extract(raw domain.RawConversation) domain.Conversation {
	conv := domain.Conversation{ThreadID: raw.ThreadID}
	if len(raw.Messages) == 0 {
		return conv
	}

	conv.Subject = Truncate(raw.Messages[0].Subject, maxSubjectLen)

	events := make([]domain.ConversationEvent, 0, len(raw.Messages))
	for _, msg := range raw.Messages {
		ts, ok := parseDate(msg.Date)
		if !ok {
			continue
		}
		preview := msg.Body
		if preview == "" {
			preview = msg.Snippet
		}
		events = append(events, domain.ConversationEvent{
			Sender:      SenderAddress(msg.From),
			Timestamp:   ts,
			BodyPreview: Truncate(preview, maxPreviewLen),
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	conv.Events = events
	return conv
}

// SenderAddress выделяет адрес из заголовка From и приводит его к нижнему
// регистру. Для нестандартных заголовков оставляется содержимое угловых
// скобок либо строка целиком.
func SenderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	if open := strings.Index(from, "<"); open >= 0 {
		if end := strings.Index(from[open:], ">"); end > 0 {
			return strings.ToLower(from[open+1 : open+end])
		}
	}
	return strings.ToLower(strings.TrimSpace(from))
}

func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if ts, err := mail.ParseDate(value); err == nil {
		return ts, true
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Truncate обрезает строку до limit рун.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
