package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func recordValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("keypart", func(fl validator.FieldLevel) bool {
			return ValidateKeyPart(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("datatype", func(fl validator.FieldLevel) bool {
			return DataType(fl.Field().String()).Valid()
		})
		v.RegisterStructValidation(func(sl validator.StructLevel) {
			p := sl.Current().Interface().(PropertyValue)
			if !p.populatedMatches() {
				sl.ReportError(p.DataType, "DataType", "data_type", "valuematch", string(p.DataType))
			}
		}, PropertyValue{})
		validate = v
	})
	return validate
}

// ValidateRecord checks a record's required fields and value consistency.
func ValidateRecord(rec Record) error {
	if rec == nil {
		return InvalidArgument("record.validate", "record is nil")
	}
	err := recordValidator().Struct(rec)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		return InvalidArgument("record.validate", "invalid %s: %s", rec.Entity(), strings.Join(fields, ", "))
	}
	return InvalidArgument("record.validate", "invalid %s: %v", rec.Entity(), err)
}
