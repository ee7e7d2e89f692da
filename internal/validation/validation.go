// Package validation checks inbound weather query parameters.
package validation

import (
	"errors"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// WeatherQuery holds the raw /weather query parameters after trimming.
type WeatherQuery struct {
	City        string `validate:"required,max=100,location"`
	CountryCode string `validate:"required,max=10,alpha"`
	Date        string `validate:"required"`
}

// ErrMissingParameter is wrapped by QueryError when a parameter is absent or blank.
var ErrMissingParameter = errors.New("missing parameter")

// QueryError names the offending query parameter. A blank date wraps models.ErrInvalidDate and a
// city or country code no place can match wraps models.ErrCityNotFound, so both answer with the
// same message a lookup would.
type QueryError struct {
	Param string
	Err   error
}

func (e *QueryError) Error() string {
	if errors.Is(e.Err, ErrMissingParameter) {
		return e.Param + " is required"
	}
	return e.Param + " is invalid"
}

func (e *QueryError) Unwrap() error { return e.Err }

var paramNames = map[string]string{
	"City":        "city",
	"CountryCode": "country_code",
	"Date":        "date",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("location", func(fl validator.FieldLevel) bool {
		for _, c := range fl.Field().String() {
			if !isAllowedLocationRune(c) {
				return false
			}
		}
		return true
	})
	return v
}

// NewWeatherQuery trims each parameter. Date format is checked later by the resolver.
func NewWeatherQuery(city, countryCode, date string) WeatherQuery {
	return WeatherQuery{
		City:        strings.TrimSpace(city),
		CountryCode: strings.TrimSpace(countryCode),
		Date:        strings.TrimSpace(date),
	}
}

// Validate reports the first failing parameter as a *QueryError, checked in the order
// city, country_code, date. A missing city or country code wraps ErrMissingParameter.
func (q WeatherQuery) Validate() error {
	err := validate.Struct(q)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	param := paramNames[fe.Field()]
	switch {
	case param == "date":
		return &QueryError{Param: param, Err: models.ErrInvalidDate}
	case fe.Tag() == "required":
		return &QueryError{Param: param, Err: ErrMissingParameter}
	default:
		return &QueryError{Param: param, Err: models.ErrCityNotFound}
	}
}

// isAllowedLocationRune returns true for letters (Unicode), digits, space, comma, hyphen,
// apostrophe and period.
func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '\'', '.':
		return true
	}
	return false
}
