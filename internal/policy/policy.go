package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
)

func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		if normalize(allowed) == normPath {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// CheckFunctionAllowed gates capability execution. An empty allowlist allows
// every function.
func CheckFunctionAllowed(allowlist []string, name string) error {
	if len(allowlist) == 0 {
		return nil
	}
	name = strings.ToLower(strings.TrimSpace(name))
	for _, allowed := range allowlist {
		if strings.ToLower(strings.TrimSpace(allowed)) == name {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("function %s blocked by --enable-functions policy", name))
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
