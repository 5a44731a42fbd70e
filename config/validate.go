package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/Travis-Britz/cfddns"
	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

var (
	validatorOnce   sync.Once
	structValidator *validator.Validate
)

func newValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("ttl", func(fl validator.FieldLevel) bool {
			return ddns.ValidTTL(int(fl.Field().Int()))
		})
		_ = v.RegisterValidation("domain", func(fl validator.FieldLevel) bool {
			return IsDomainName(fl.Field().String())
		})
		v.RegisterStructValidation(itemCredential, Item{})
		structValidator = v
	})
	return structValidator
}

// IsDomainName reports whether name is a syntactically valid DNS name.
// Internationalized names are accepted in either form.
func IsDomainName(name string) bool {
	if name == "" || name == "." {
		return false
	}
	if ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(name, ".")); err == nil {
		name = ascii
	}
	if strings.IndexFunc(name, notHostRune) >= 0 {
		return false
	}
	_, ok := dns.IsDomainName(name)
	return ok
}

// notHostRune reports runes that cannot appear in an ASCII host name.
// Underscores are allowed for service labels.
func notHostRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case r == '-', r == '_', r == '.':
		return false
	}
	return true
}

// itemCredential requires exactly one credential form per item.
func itemCredential(sl validator.StructLevel) {
	it := sl.Current().Interface().(Item)
	hasToken := it.Token != ""
	hasPair := it.Email != "" || it.Key != ""
	switch {
	case hasToken && hasPair:
		sl.ReportError(it.Token, "token", "Token", "one_credential", "")
	case !hasToken && !hasPair:
		sl.ReportError(it.Token, "token", "Token", "credential", "")
	case hasPair && it.Email == "":
		sl.ReportError(it.Email, "email", "Email", "required_with", "key")
	case hasPair && it.Key == "":
		sl.ReportError(it.Key, "key", "Key", "required_with", "email")
	}
}

func validate(cfg *Config) error {
	err := newValidator().Struct(cfg)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, errors.New(describe(fe)))
	}
	return errors.Join(errs...)
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, fe.Param())
	case "credential":
		return fmt.Sprintf("%s: either token or both email and key must be set", strings.TrimSuffix(field, ".token"))
	case "one_credential":
		return fmt.Sprintf("%s: token cannot be combined with email and key", strings.TrimSuffix(field, ".token"))
	case "ttl":
		return fmt.Sprintf("%s must be %d (automatic) or between 60 and 86400; got %v", field, ddns.AutoTTL, fe.Value())
	case "domain":
		return fmt.Sprintf("%s %q is not a valid domain name", field, fe.Value())
	case "email":
		return fmt.Sprintf("%s %q is not a valid email address", field, fe.Value())
	case "http_url":
		return fmt.Sprintf("%s %q is not an http(s) URL", field, fe.Value())
	case "min", "gt":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed the %q check", field, fe.Tag())
	}
}
