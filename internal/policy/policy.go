package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
)

// MutatingAnnotation marks commands that sign and broadcast transactions.
const MutatingAnnotation = "lendpool/mutating"

// CheckCommandAllowed enforces the --enable-commands allowlist. An entry
// also allows every command nested below it.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		n := normalize(allowed)
		if n == normPath || strings.HasPrefix(normPath, n+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// CheckWriteAllowed rejects transaction-sending commands in read-only mode.
func CheckWriteAllowed(readOnly bool, commandPath string, annotations map[string]string) error {
	if !readOnly || annotations[MutatingAnnotation] != "true" {
		return nil
	}
	return clierr.New(clierr.CodeBlocked, "command "+normalize(commandPath)+" sends transactions and --read-only is set")
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
