package model

import (
	"fmt"
	"strings"
)

// keySeparator joins natural key parts. It sorts below every byte allowed in a
// key part, so the lexical order of joined keys equals the tuple order of
// their parts.
const keySeparator = "\x1f"

// JoinKey encodes the parts of a composite natural key.
func JoinKey(parts ...string) string {
	return strings.Join(parts, keySeparator)
}

// SplitKey decodes a key produced by JoinKey.
func SplitKey(key string) []string {
	return strings.Split(key, keySeparator)
}

// ValidateKeyPart rejects empty parts and parts containing control bytes.
func ValidateKeyPart(part string) error {
	if part == "" {
		return fmt.Errorf("key part is empty")
	}
	for i := 0; i < len(part); i++ {
		if part[i] <= 0x1f || part[i] == 0x7f {
			return fmt.Errorf("key part %q contains control byte 0x%02x", part, part[i])
		}
	}
	return nil
}
