package classify

import (
	"sort"
	"strings"
)

// Kind — классификация адреса отправителя.
type Kind int

const (
	// KindExternal — внешний корреспондент, участвует в подборе пар.
	KindExternal Kind = iota
	// KindInternal — адрес внутреннего домена.
	KindInternal
	// KindNoise — автоматическая рассылка, исключается независимо от домена.
	KindNoise
)

// DefaultInternalDomains — базовый список внутренних доменов. Объединяется
// с доменами отслеживаемых пользователей при сборке классификатора.
var DefaultInternalDomains = []string{
	"lumiere.education",
	"ladderinternships.com",
	"veritasai.com",
	"horizoninspires.com",
	"youngfounderslab.org",
	"wallstreetguide.net",
}

// NoisePatterns — подстроки адресов автоматических отправителей.
var NoisePatterns = []string{
	"mailer-daemon", "postmaster", "mixmax.com", "notifications@",
	"noreply", "no-reply", "stellaconnect", "calendar-notification",
	"newsletter", "stripe.com", "calsavers.com",
}

// Classifier определяет принадлежность адреса отправителя. Собирается один
// раз на запуск из доменов пользователей и передаётся явно по цепочке
// вызовов; процессного кэша нет.
type Classifier struct {
	internalDomains []string
	noisePatterns   []string
}

// New собирает классификатор: объединение базовых внутренних доменов и
// доменов отслеживаемых пользователей.
func New(userDomains []string) Classifier {
	seen := make(map[string]struct{}, len(DefaultInternalDomains)+len(userDomains))
	merged := make([]string, 0, len(DefaultInternalDomains)+len(userDomains))
	for _, domain := range append(append([]string{}, DefaultInternalDomains...), userDomains...) {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		merged = append(merged, domain)
	}
	sort.Strings(merged)
	return Classifier{internalDomains: merged, noisePatterns: NoisePatterns}
}

// Kind классифицирует адрес. Шум имеет приоритет над доменной проверкой.
func (c Classifier) Kind(address string) Kind {
	if c.IsNoise(address) {
		return KindNoise
	}
	if c.IsInternal(address) {
		return KindInternal
	}
	return KindExternal
}

// IsNoise проверяет адрес на совпадение с шаблонами автоматических рассылок.
func (c Classifier) IsNoise(address string) bool {
	lower := strings.ToLower(address)
	for _, pattern := range c.noisePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// IsInternal проверяет, принадлежит ли адрес внутреннему домену.
func (c Classifier) IsInternal(address string) bool {
	lower := strings.ToLower(address)
	for _, domain := range c.internalDomains {
		if strings.Contains(lower, domain) {
			return true
		}
	}
	return false
}

// SearchQuery строит поисковый запрос источника, отбрасывающий внутренние
// домены и известных шумовых отправителей ещё на стороне сервера.
func (c Classifier) SearchQuery() string {
	var b strings.Builder
	for _, domain := range c.internalDomains {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("-from:")
		b.WriteString(domain)
	}
	b.WriteString(" -from:mailer-daemon -from:postmaster -from:noreply -from:notifications")
	return b.String()
}
