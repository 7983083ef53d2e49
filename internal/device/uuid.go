package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UUID is a 128-bit GATT attribute identifier.
type UUID = uuid.UUID

// SPP GATT wire contract.
var (
	SPPServiceUUID        = uuid.MustParse("4880c12c-fdcb-4077-8920-a450d7f9b907")
	SPPCharacteristicUUID = uuid.MustParse("fec26ec4-6d71-4442-9f81-55bc21d658d6")
)

// ParseUUID parses a 128-bit UUID in canonical form, with or without dashes
// and an optional 0x prefix.
func ParseUUID(s string) (UUID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	if trimmed == "" {
		return UUID{}, fmt.Errorf("UUID cannot be empty")
	}
	u, err := uuid.Parse(trimmed)
	if err != nil {
		return UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}

// ShortenUUID returns the first eight characters of a UUID for display.
func ShortenUUID(u UUID) string {
	return u.String()[:8]
}
