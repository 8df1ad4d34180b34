// internal/parser/context.go
package parser

import (
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// Context is everything a strategy may inspect about one transaction.
type Context struct {
	Signature string
	Slot      uint64
	BlockTime time.Time

	// Account keys of the transaction message, base58.
	Accounts []string

	// Program log lines, in emission order.
	Logs []string

	// Raw instruction data when the feed delivered it.
	Data []byte
}

// HasAccount reports whether the account list names the given key.
func (c *Context) HasAccount(key string) bool {
	for _, a := range c.Accounts {
		if a == key {
			return true
		}
	}
	return false
}

// HasLog reports whether any log line contains the substring.
func (c *Context) HasLog(substr string) bool {
	for _, line := range c.Logs {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// HasInstruction reports whether the logs announce the named instruction.
func (c *Context) HasInstruction(name string) bool {
	return c.HasLog("Instruction: " + name)
}

// LogValue scans the logs for a `key: value` pair and returns the first
// whitespace-delimited value token, or "" when the key never appears.
func (c *Context) LogValue(key string) string {
	marker := key + ":"
	for _, line := range c.Logs {
		idx := strings.Index(line, marker)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(line[idx+len(marker):])
		if rest == "" {
			continue
		}
		if cut := strings.IndexAny(rest, " \t,"); cut >= 0 {
			rest = rest[:cut]
		}
		return rest
	}
	return ""
}

// LogUint parses a `key: value` pair as an unsigned integer.
func (c *Context) LogUint(key string) (uint64, bool) {
	raw := c.LogValue(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ValidMint reports whether s decodes to a 32-byte base58 key.
func ValidMint(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}
