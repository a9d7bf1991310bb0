package notifications

import (
	"strings"

	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// Directory maps recipient classes to channel addresses.
type Directory map[string]string

// Resolve returns the address of class. A class that already looks like an
// address (contains '@' or starts with '+') is used as is.
func (d Directory) Resolve(channel, class string) (string, error) {
	if addr, ok := d[class]; ok && addr != "" {
		return addr, nil
	}
	if strings.Contains(class, "@") || strings.HasPrefix(class, "+") {
		return class, nil
	}
	return "", slaerrors.Configurationf(channel+".recipient", "no %s address for recipient class %q", channel, class)
}
