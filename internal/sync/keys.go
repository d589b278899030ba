package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	hashedKeyPrefix = "sha256:"
	keySeparator    = "|"
)

// maxPlainKey keeps business keys inside the destination column width.
const maxPlainKey = 255

// BusinessKey derives the stable key of a mapped record. With no key fields
// the whole record is hashed.
func BusinessKey(fields map[string]any, keyFields []string) (string, error) {
	if len(keyFields) == 0 {
		return hashFields(fields)
	}

	parts := make([]string, 0, len(keyFields))
	for _, name := range keyFields {
		v, ok := fields[name]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: key field %q is empty", ErrMapping, name)
		}
		s := keyString(v)
		if s == "" {
			return "", fmt.Errorf("%w: key field %q is empty", ErrMapping, name)
		}
		parts = append(parts, s)
	}

	key := strings.Join(parts, keySeparator)
	if len(key) > maxPlainKey {
		sum := sha256.Sum256([]byte(key))
		return hashedKeyPrefix + hex.EncodeToString(sum[:]), nil
	}
	return key, nil
}

// hashFields hashes the canonical JSON of fields. encoding/json writes map
// keys in sorted order, so equal records always hash the same.
func hashFields(fields map[string]any) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("%w: encoding record: %v", ErrMapping, err)
	}
	sum := sha256.Sum256(b)
	return hashedKeyPrefix + hex.EncodeToString(sum[:]), nil
}

func keyString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
