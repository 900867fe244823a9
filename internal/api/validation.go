package api

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

type errorBody struct {
	Error  string              `json:"error"`
	Fields map[string][]string `json:"fields,omitempty"`
}

func validationError(err error) errorBody {
	fields := map[string][]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			field := strings.ToLower(fe.Field())
			fields[field] = append(fields[field], fe.Tag())
		}
	}
	if len(fields) == 0 {
		return errorBody{Error: err.Error()}
	}
	return errorBody{Error: "validation_failed", Fields: fields}
}
