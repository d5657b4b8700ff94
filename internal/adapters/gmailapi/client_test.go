package gmailapi

import (
	"encoding/base64"
	"errors"
	"testing"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
)

func TestClassifyAPIError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.FetchErrorKind
	}{
		{"лимит запросов", &googleapi.Error{Code: 429}, domain.FetchTransient},
		{"сбой сервера", &googleapi.Error{Code: 503}, domain.FetchTransient},
		{"тред не найден", &googleapi.Error{Code: 404}, domain.FetchNotFound},
		{"нет доступа", &googleapi.Error{Code: 403}, domain.FetchPermanent},
		{"сетевая ошибка", errors.New("connection reset"), domain.FetchTransient},
	}
	for _, tc := range cases {
		if got := classifyAPIError(tc.err); got != tc.want {
			t.Errorf("%s: kind = %v, ожидалось %v", tc.name, got, tc.want)
		}
	}
}

func encode(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestExtractBodyPrefersPlainText(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmail.MessagePart{
			{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: encode("<b>html</b>")}},
			{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: encode("простой текст")}},
		},
	}
	if got := extractBody(payload); got != "простой текст" {
		t.Errorf("body = %q, ожидался text/plain", got)
	}
}

func TestExtractBodyFallsBackToHTML(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmail.MessagePart{
			{
				MimeType: "multipart/alternative",
				Parts: []*gmail.MessagePart{
					{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: encode("<p>вложенный html</p>")}},
				},
			},
		},
	}
	if got := extractBody(payload); got != "<p>вложенный html</p>" {
		t.Errorf("body = %q, ожидался html из вложенной части", got)
	}
}

func TestConvertThreadReadsHeaders(t *testing.T) {
	thread := &gmail.Thread{
		Id: "t1",
		Messages: []*gmail.Message{
			{
				Snippet: "кусочек",
				Payload: &gmail.MessagePart{
					Headers: []*gmail.MessagePartHeader{
						{Name: "From", Value: "client@acme.com"},
						{Name: "Date", Value: "Mon, 10 Mar 2025 09:00:00 +0000"},
						{Name: "Subject", Value: "Вопрос"},
					},
					MimeType: "text/plain",
					Body:     &gmail.MessagePartBody{Data: encode("текст")},
				},
			},
			{Payload: nil},
		},
	}
	raw := convertThread(thread)
	if raw.ThreadID != "t1" || len(raw.Messages) != 1 {
		t.Fatalf("неожиданный результат: %+v", raw)
	}
	m := raw.Messages[0]
	if m.From != "client@acme.com" || m.Subject != "Вопрос" || m.Body != "текст" || m.Snippet != "кусочек" {
		t.Errorf("поля сообщения: %+v", m)
	}
}
