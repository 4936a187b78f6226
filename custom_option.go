package hwdecode

import (
	"slices"
)

// CustomOptions carries backend-specific settings which are not part of
// the serialized config (libav codec options, for example). A backend
// looks up the option types it knows and ignores the rest.
type CustomOptions []any

// GetCustomOption returns the first option of type T.
func GetCustomOption[T any](opts CustomOptions) (T, bool) {
	idx := indexCustomOption[T](opts)
	if idx < 0 {
		var zeroValue T
		return zeroValue, false
	}
	return opts[idx].(T), true
}

// SetCustomOption returns a copy of opts where the first option of type T
// is replaced by opt; opt is appended if there is no such option.
func SetCustomOption[T any](opts CustomOptions, opt T) CustomOptions {
	result := slices.Clone(opts)
	if idx := indexCustomOption[T](result); idx >= 0 {
		result[idx] = opt
		return result
	}
	return append(result, opt)
}

func indexCustomOption[T any](opts CustomOptions) int {
	return slices.IndexFunc(opts, func(opt any) bool {
		_, ok := opt.(T)
		return ok
	})
}
