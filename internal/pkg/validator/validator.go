// Package validator wraps go-playground validator with English error messages.
// Field names in errors are taken from the "configKey" tag, or from the "json" tag.
package validator

import (
	"context"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslation "github.com/go-playground/validator/v10/translations/en"

	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type Rule struct {
	Tag  string
	Func validator.FuncCtx
}

type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func New(rules ...Rule) *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())

	// Register default EN translator
	enLocale := en.New()
	translator, found := ut.New(enLocale, enLocale).GetTranslator("en")
	if !found {
		panic(errors.New("en translator was not found"))
	}
	if err := enTranslation.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(errors.Errorf("translator was not registered: %w", err))
	}

	for _, rule := range rules {
		if err := validate.RegisterValidationCtx(rule.Tag, rule.Func); err != nil {
			panic(err)
		}
	}

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		for _, tag := range []string{"configKey", "json"} {
			if name, _, _ := strings.Cut(field.Tag.Get(tag), ","); name != "" && name != "-" {
				return name
			}
		}
		return field.Name
	})

	return &Validator{validate: validate, translator: translator}
}

// Validate a struct, all errors are returned as one MultiError.
func (v *Validator) Validate(ctx context.Context, value any) error {
	err := v.validate.StructCtx(ctx, value)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	errs := errors.NewMultiError()
	for _, e := range validationErrs {
		// Remove struct name from the namespace
		_, namespace, _ := strings.Cut(e.Namespace(), ".")
		msg := e.Translate(v.translator)
		// The translated message starts with the field name, replace it with the full path
		msg = strings.Replace(msg, e.Field(), `"`+namespace+`"`, 1)
		errs.Append(errors.New(msg))
	}
	return errs.ErrorOrNil()
}
