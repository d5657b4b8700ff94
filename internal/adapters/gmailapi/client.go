package gmailapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/metrics"
)

const (
	componentName = "gmailapi"
	pageSize      = 100
)

// Source создаёт Gmail-сессии через сервисный аккаунт с делегированием
// на уровне домена: один ключ, Subject подставляется на целевого
// пользователя при создании сессии.
type Source struct {
	credentials   []byte
	timeout       time.Duration
	retryAttempts int
}

var _ domain.MailSource = (*Source)(nil)

// NewSource читает JSON-ключ сервисного аккаунта из файла.
func NewSource(credentialsFile string, timeout time.Duration, retryAttempts int) (*Source, error) {
	raw, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("чтение ключа сервисного аккаунта: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return &Source{credentials: raw, timeout: timeout, retryAttempts: retryAttempts}, nil
}

// NewSession открывает сессию от имени пользователя. Ошибки конфигурации
// ключа постоянные, делегирование проверяется первым же запросом.
func (s *Source) NewSession(ctx context.Context, userEmail string) (domain.MailSession, error) {
	cfg, err := google.JWTConfigFromJSON(s.credentials, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("разбор ключа сервисного аккаунта: %w", err)
	}
	cfg.Subject = userEmail

	svc, err := gmail.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("клиент gmail для %s: %w", userEmail, err)
	}
	return &session{svc: svc, timeout: s.timeout, retryAttempts: s.retryAttempts}, nil
}

type session struct {
	svc           *gmail.Service
	timeout       time.Duration
	retryAttempts int
}

var _ domain.MailSession = (*session)(nil)

// ListConversationIDs постранично перебирает треды по запросу. При сбое
// посреди пагинации возвращает уже собранные идентификаторы вместе с
// ошибкой: вызывающий решает, продолжать ли с частичным списком.
func (s *session) ListConversationIDs(ctx context.Context, query string, limit int) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		call := s.svc.Users.Threads.List("me").Q(query).MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		start := time.Now()
		resp, err := call.Context(reqCtx).Do()
		metrics.ObserveNetworkRequest(componentName, "threads_list", "gmail", start, err)
		cancel()
		if err != nil {
			return ids, fmt.Errorf("список тредов: %w", err)
		}

		for _, t := range resp.Threads {
			ids = append(ids, t.Id)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return ids, nil
		}
	}
}

// FetchConversation загружает полный тред. Ответы 429 и 5xx повторяются с
// экспоненциальной паузой, остальные ошибки типизируются без повторов.
func (s *session) FetchConversation(ctx context.Context, threadID string) (domain.RawConversation, error) {
	var lastErr error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.RawConversation{}, domain.NewFetchError(domain.FetchTransient, ctx.Err())
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		start := time.Now()
		thread, err := s.svc.Users.Threads.Get("me", threadID).Format("full").Context(reqCtx).Do()
		metrics.ObserveNetworkRequest(componentName, "threads_get", "gmail", start, err)
		cancel()
		if err == nil {
			return convertThread(thread), nil
		}

		kind := classifyAPIError(err)
		lastErr = domain.NewFetchError(kind, fmt.Errorf("загрузка треда %s: %w", threadID, err))
		if kind != domain.FetchTransient {
			return domain.RawConversation{}, lastErr
		}
	}
	return domain.RawConversation{}, lastErr
}

func classifyAPIError(err error) domain.FetchErrorKind {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return domain.FetchTransient
	}
	switch {
	case apiErr.Code == http.StatusNotFound:
		return domain.FetchNotFound
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
		return domain.FetchTransient
	default:
		return domain.FetchPermanent
	}
}

func convertThread(thread *gmail.Thread) domain.RawConversation {
	raw := domain.RawConversation{ThreadID: thread.Id}
	for _, msg := range thread.Messages {
		if msg == nil || msg.Payload == nil {
			continue
		}
		raw.Messages = append(raw.Messages, domain.RawMessage{
			From:    headerValue(msg.Payload.Headers, "From"),
			Date:    headerValue(msg.Payload.Headers, "Date"),
			Subject: headerValue(msg.Payload.Headers, "Subject"),
			Snippet: msg.Snippet,
			Body:    extractBody(msg.Payload),
		})
	}
	return raw
}

func headerValue(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && h.Name == name {
			return h.Value
		}
	}
	return ""
}

// extractBody достаёт текст письма: сначала text/plain, затем text/html,
// обходя multipart-части рекурсивно. Битый base64 пропускается.
func extractBody(payload *gmail.MessagePart) string {
	if payload == nil {
		return ""
	}
	if body := decodePart(payload, "text/plain"); body != "" {
		return body
	}
	return decodePart(payload, "text/html")
}

func decodePart(part *gmail.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			return ""
		}
		return string(data)
	}
	for _, child := range part.Parts {
		if body := decodePart(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}
