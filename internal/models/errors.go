package models

import "errors"

// ErrorKind enumerates the domain failures reported to callers.
type ErrorKind int

const (
	KindInvalidDate ErrorKind = iota + 1
	KindCityNotFound
	KindDateOutOfRange
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidDate:
		return "invalid_date"
	case KindCityNotFound:
		return "city_not_found"
	case KindDateOutOfRange:
		return "date_out_of_range"
	default:
		return "unknown"
	}
}

// WeatherError is a domain failure. Two WeatherErrors match under errors.Is when their kinds match.
type WeatherError struct {
	Kind    ErrorKind
	Message string
}

func (e *WeatherError) Error() string {
	return e.Message
}

// Is matches any WeatherError of the same kind.
func (e *WeatherError) Is(target error) bool {
	t, ok := target.(*WeatherError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidDate    = &WeatherError{Kind: KindInvalidDate, Message: "wrong datetime"}
	ErrCityNotFound   = &WeatherError{Kind: KindCityNotFound, Message: "wrong city"}
	ErrDateOutOfRange = &WeatherError{Kind: KindDateOutOfRange, Message: "you can get weather only for last and next five days"}
)

// ErrorCodeBadRequest is the code reported for every domain failure.
const ErrorCodeBadRequest = "400"

// ErrorInfo is the uniform failure payload.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorInfo builds the failure payload for message.
func NewErrorInfo(message string) ErrorInfo {
	return ErrorInfo{Code: ErrorCodeBadRequest, Message: message}
}

// ToErrorInfo maps a domain failure to ErrorInfo. Returns false when err is not a WeatherError;
// those failures are infrastructure errors and are reported by the caller.
func ToErrorInfo(err error) (ErrorInfo, bool) {
	var we *WeatherError
	if !errors.As(err, &we) {
		return ErrorInfo{}, false
	}
	return NewErrorInfo(we.Message), true
}
