// Package deviceid provides a stable, random identifier for this installation.
package deviceid

import (
	"encoding/base64"
	"log/slog"

	"github.com/google/uuid"

	"github.com/getlantern/boxclient/common/settings"
)

// Store is where the identifier is kept. *settings.Settings implements it.
type Store interface {
	GetString(key string) string
	Set(key string, value any) error
}

// OldStyleDeviceID returns a device ID derived from the MAC address.
func OldStyleDeviceID() string {
	return base64.StdEncoding.EncodeToString(uuid.NodeID())
}

// Get returns the identifier kept in s. The first call generates a random UUID and persists it;
// if no random UUID can be created, the MAC derived ID is used instead.
func Get(s Store) string {
	if existingID := s.GetString(settings.DeviceIDKey); existingID != "" {
		return existingID
	}
	newID, err := uuid.NewRandom()
	if err != nil {
		slog.Error("Error generating new deviceID, defaulting to old-style device ID", "error", err)
		return OldStyleDeviceID()
	}
	idStr := newID.String()
	if err := s.Set(settings.DeviceIDKey, idStr); err != nil {
		slog.Error("Error persisting new deviceID", "error", err)
	}
	return idStr
}
