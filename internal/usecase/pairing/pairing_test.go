package pairing

import (
	"testing"
	"time"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/classify"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/workhours"
)

const user = "stephen@lumiere.education"

func newEngine() Engine {
	return NewEngine(classify.New(nil), workhours.Settings{Timezone: "UTC"})
}

func at(hour int) time.Time {
	return time.Date(2025, 1, 14, hour, 0, 0, 0, time.UTC)
}

func conv(events ...domain.ConversationEvent) domain.Conversation {
	return domain.Conversation{ThreadID: "t1", Subject: "Заявка", Events: events}
}

func TestFirstReplyWins(t *testing.T) {
	c := conv(
		domain.ConversationEvent{Sender: "parent@gmail.com", Timestamp: at(9)},
		domain.ConversationEvent{Sender: user, Timestamp: at(11)},
		domain.ConversationEvent{Sender: user, Timestamp: at(15)},
	)

	result := newEngine().Process(c, user)
	if len(result.Pairs) != 1 {
		t.Fatalf("ожидали ровно одну пару, получили %d", len(result.Pairs))
	}
	p := result.Pairs[0]
	if !p.RepliedAt.Equal(at(11)) {
		t.Fatalf("должен браться первый ответ, взят %v", p.RepliedAt)
	}
	if p.ResponseHours != 2 {
		t.Fatalf("сырая длительность: ожидали 2, получили %v", p.ResponseHours)
	}
	if p.RepliedAt.Before(p.ReceivedAt) {
		t.Fatal("ответ не может быть раньше получения")
	}
	if p.AdjustedHours == nil || *p.AdjustedHours > p.ResponseHours {
		t.Fatalf("скорректированная длительность не должна превышать сырую: %v", p.AdjustedHours)
	}
}

func TestOneReplyServesManyExternals(t *testing.T) {
	c := conv(
		domain.ConversationEvent{Sender: "parent@gmail.com", Timestamp: at(9)},
		domain.ConversationEvent{Sender: "student@yahoo.com", Timestamp: at(10)},
		domain.ConversationEvent{Sender: user, Timestamp: at(12)},
	)

	result := newEngine().Process(c, user)
	if len(result.Pairs) != 2 {
		t.Fatalf("один ответ закрывает оба внешних письма, получили %d пар", len(result.Pairs))
	}
	for _, p := range result.Pairs {
		if !p.RepliedAt.Equal(at(12)) {
			t.Fatalf("обе пары должны ссылаться на один ответ, получили %v", p.RepliedAt)
		}
	}
}

func TestSingleMessageThreadSkipped(t *testing.T) {
	c := conv(domain.ConversationEvent{Sender: "parent@gmail.com", Timestamp: at(9)})

	result := newEngine().Process(c, user)
	if len(result.Pairs) != 0 {
		t.Fatal("тред из одного сообщения не даёт пар")
	}
	// Но счётчики и записи входящих строятся.
	if result.Tally.Received["2025-01-14"] != 1 {
		t.Fatalf("входящее письмо должно попасть в счётчик: %v", result.Tally.Received)
	}
	if len(result.ReceivedEmails) != 1 {
		t.Fatalf("запись входящего должна быть создана, получили %d", len(result.ReceivedEmails))
	}
}

func TestNoiseSenderIgnored(t *testing.T) {
	c := conv(
		domain.ConversationEvent{Sender: "noreply@bank.com", Timestamp: at(9)},
		domain.ConversationEvent{Sender: user, Timestamp: at(10)},
	)

	result := newEngine().Process(c, user)
	if len(result.Pairs) != 0 {
		t.Fatal("шумовой отправитель не участвует в подборе пар")
	}
	if result.Tally.Received["2025-01-14"] != 0 {
		t.Fatal("шумовой отправитель не попадает в счётчик входящих")
	}
	if result.Tally.Sent["2025-01-14"] != 1 {
		t.Fatal("ответ пользователя должен попасть в счётчик отправленных")
	}
}

func TestReplyBackfilledIntoReceivedEmail(t *testing.T) {
	c := conv(
		domain.ConversationEvent{Sender: "parent@gmail.com", Timestamp: at(9), BodyPreview: "Здравствуйте!"},
		domain.ConversationEvent{Sender: user, Timestamp: at(13)},
	)

	result := newEngine().Process(c, user)
	if len(result.ReceivedEmails) != 1 {
		t.Fatalf("ожидали одну запись входящего, получили %d", len(result.ReceivedEmails))
	}
	rec := result.ReceivedEmails[0]
	if !rec.Replied || rec.RepliedAt == nil || !rec.RepliedAt.Equal(at(13)) {
		t.Fatalf("отметка об ответе не проставлена: %+v", rec)
	}
	if rec.ResponseHours == nil || *rec.ResponseHours != 4 {
		t.Fatalf("длительность ответа не перенесена: %v", rec.ResponseHours)
	}
	if rec.BodyPreview != "Здравствуйте!" {
		t.Fatalf("превью тела должно сохраняться: %q", rec.BodyPreview)
	}
}

func TestUnansweredEmailStaysUnreplied(t *testing.T) {
	c := conv(
		domain.ConversationEvent{Sender: "parent@gmail.com", Timestamp: at(9)},
		domain.ConversationEvent{Sender: "parent@gmail.com", Timestamp: at(10)},
	)

	result := newEngine().Process(c, user)
	if len(result.Pairs) != 0 {
		t.Fatal("без ответа пользователя пар быть не должно")
	}
	for _, rec := range result.ReceivedEmails {
		if rec.Replied {
			t.Fatal("письмо без ответа не должно помечаться отвеченным")
		}
	}
}

func TestInternalSenderNotPaired(t *testing.T) {
	c := conv(
		domain.ConversationEvent{Sender: "colleague@lumiere.education", Timestamp: at(9)},
		domain.ConversationEvent{Sender: user, Timestamp: at(10)},
	)

	result := newEngine().Process(c, user)
	if len(result.Pairs) != 0 {
		t.Fatal("внутренний отправитель не участвует в подборе пар")
	}
	if result.Tally.Received["2025-01-14"] != 0 {
		t.Fatal("внутренний отправитель не попадает в счётчик входящих")
	}
}

func TestMatchingIsExactAddressOnly(t *testing.T) {
	// Внешний адрес, похожий на пользовательский, не считается ответом.
	c := conv(
		domain.ConversationEvent{Sender: "parent@gmail.com", Timestamp: at(9)},
		domain.ConversationEvent{Sender: "stephen@gmail.com", Timestamp: at(10)},
		domain.ConversationEvent{Sender: user, Timestamp: at(11)},
	)

	result := newEngine().Process(c, user)
	for _, p := range result.Pairs {
		if !p.RepliedAt.Equal(at(11)) {
			t.Fatalf("ответом считается только точный адрес пользователя: %v", p.RepliedAt)
		}
	}
}
