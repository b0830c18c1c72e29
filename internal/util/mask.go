package util

import (
	"strings"

	cstr "github.com/shopmonkeyus/go-common/string"
)

// MaskEmail masks the email address attempting to hide sensitive information.
func MaskEmail(val string) string {
	tok := strings.Split(val, "@")
	if len(tok) != 2 {
		return cstr.Mask(val)
	}
	dot := strings.Split(tok[1], ".")
	return cstr.Mask(tok[0]) + "@" + cstr.Mask(dot[0]) + "." + strings.Join(dot[1:], ".")
}

// MaskValue masks a scalar value so it can be logged or recorded without leaking it.
func MaskValue(val any) any {
	switch v := val.(type) {
	case nil:
		return nil
	case string:
		if strings.Count(v, "@") == 1 && strings.Contains(v[strings.Index(v, "@"):], ".") {
			return MaskEmail(v)
		}
		return cstr.Mask(v)
	}
	return "****"
}
