package identity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/monorkin/equipment-inventory/internal/config"
)

const PREFIX = "device-"

// Identity names this installation to its peers. It never changes once
// persisted.
type Identity struct {
	ID        string
	CreatedAt time.Time
}

// Ensure returns the identity stored in settings, generating and saving one
// on first use.
func Ensure(settings *config.Settings) (Identity, error) {
	if settings.DeviceID != "" {
		identity := Identity{ID: settings.DeviceID}
		if settings.DeviceIDCreatedAt != nil {
			identity.CreatedAt = *settings.DeviceIDCreatedAt
		}
		return identity, nil
	}

	identity := Generate(time.Now().UTC())

	settings.DeviceID = identity.ID
	settings.DeviceIDCreatedAt = &identity.CreatedAt
	if err := settings.Save(); err != nil {
		settings.DeviceID = ""
		settings.DeviceIDCreatedAt = nil
		return Identity{}, fmt.Errorf("failed to persist device identity: %w", err)
	}

	return identity, nil
}

// Generate builds a fresh id from the creation time and random bits.
func Generate(now time.Time) Identity {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	return Identity{
		ID:        PREFIX + strconv.FormatInt(now.UnixMilli(), 36) + "-" + token,
		CreatedAt: now,
	}
}
