package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"dispatch-service/pkg/apperr"
)

var phoneRegex = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("phone", isPhone); err != nil {
		panic(err)
	}
	return v
}

func isPhone(fl validator.FieldLevel) bool {
	phone := strings.TrimSpace(fl.Field().String())
	return phone != "" && phoneRegex.MatchString(phone) && len(phone) <= 50
}

// Struct validates s against its `validate` tags. Failures wrap
// apperr.ErrInvalidInput.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", apperr.ErrInvalidInput, strings.Join(msgs, "; "))
}

// DecodeJSON decodes a request body into dst and validates it.
func DecodeJSON(r io.Reader, dst any) error {
	if err := json.NewDecoder(r).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid body", apperr.ErrInvalidInput)
	}
	return Struct(dst)
}
