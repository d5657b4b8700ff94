package domain

import "errors"

// FetchErrorKind классифицирует сбой обращения к почтовому источнику,
// чтобы политика повторов была функцией вида ошибки, а не разбором текста.
type FetchErrorKind int

const (
	// FetchTransient — временный сбой (лимит запросов), имеет смысл повторить.
	FetchTransient FetchErrorKind = iota
	// FetchPermanent — постоянный сбой (авторизация, доступ): пользователь
	// пропускается целиком.
	FetchPermanent
	// FetchNotFound — тред недоступен или удалён, тихо отбрасывается.
	FetchNotFound
)

// FetchError — типизированная ошибка почтового источника.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return "ошибка почтового источника"
	}
	return e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError оборачивает ошибку источника с указанием вида.
func NewFetchError(kind FetchErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// FetchKind возвращает вид ошибки источника; неопознанные ошибки считаются
// постоянными.
func FetchKind(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FetchPermanent
}
