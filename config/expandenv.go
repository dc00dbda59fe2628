package config

import (
	"errors"
	"os"
	"regexp"
	"slices"
	"strings"

	"go.trai.ch/zerr"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnvStrict expands environment variables in s.
//
// `$VAR` and `${VAR}` expand like os.ExpandEnv, except that a `${VAR}`
// naming an unset variable is an error. `$$` is a literal `$`.
func ExpandEnvStrict(s string) (string, error) {
	const dollar = "\x00BROKERAGG_DOLLAR\x00"
	s = strings.ReplaceAll(s, "$$", dollar)

	var missing []string
	for _, m := range envVarPattern.FindAllStringSubmatch(s, -1) {
		if _, ok := os.LookupEnv(m[1]); !ok && !slices.Contains(missing, m[1]) {
			missing = append(missing, m[1])
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		names := strings.Join(missing, ", ")
		return "", zerr.With(zerr.Wrap(errors.New(names), ErrMissingEnv.Error()), "variables", missing)
	}

	s = os.ExpandEnv(s)
	return strings.ReplaceAll(s, dollar, "$"), nil
}
