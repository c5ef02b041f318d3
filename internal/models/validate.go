package models

import (
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// Validator returns the shared request validator. Decimal fields reach the
// money tags as their exact string form: positive, cents (at most two
// decimal places) and intdigits=N (fewer than N integer digits). The bounds
// used on request types follow the NUMERIC columns they are stored in.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		mustRegister(v, "positive", func(d decimal.Decimal, _ string) bool { return d.IsPositive() })
		mustRegister(v, "cents", func(d decimal.Decimal, _ string) bool { return d.Equal(d.Round(2)) })
		mustRegister(v, "intdigits", func(d decimal.Decimal, param string) bool {
			n, err := strconv.Atoi(param)
			if err != nil {
				return false
			}
			return d.Abs().LessThan(decimal.New(1, int32(n)))
		})
		validate = v
	})
	return validate
}

func mustRegister(v *validator.Validate, tag string, check func(d decimal.Decimal, param string) bool) {
	err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		if err != nil {
			return false
		}
		return check(d, fl.Param())
	})
	if err != nil {
		panic(err)
	}
}

func decimalValue(field reflect.Value) any {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		return d.String()
	}
	return nil
}

// ValidationMessage flattens validator errors into a single caller-facing message.
func ValidationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Namespace()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}
