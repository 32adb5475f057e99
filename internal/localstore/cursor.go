package localstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sakgroup/staffsync/internal/wire"
)

// sync_meta keys.
const (
	metaKeyCursor   = "last_sync_at"
	metaKeyDeviceID = "device_id"
)

// Cursor returns the watermark timestamp up to which all server deltas have
// been applied to the mirror. The zero time means no sync has completed yet;
// the server then returns every row it has.
func (s *Store) Cursor(ctx context.Context) (time.Time, error) {
	value, err := s.getMeta(ctx, metaKeyCursor)
	if err != nil {
		return time.Time{}, err
	}

	if value == "" {
		return time.Time{}, nil
	}

	t, err := wire.ParseTime(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored cursor: %w", err)
	}

	return t, nil
}

// SetCursor advances the watermark. The cursor only moves forward: a value
// at or before the current one is ignored, so a server clock hiccup cannot
// reopen an already-applied delta window. Callers must persist deltas to the
// mirror before calling this.
func (s *Store) SetCursor(ctx context.Context, t time.Time) error {
	current, err := s.Cursor(ctx)
	if err != nil {
		return err
	}

	if !t.After(current) {
		if t.Before(current) {
			s.logger.Warn("ignoring cursor regression",
				"current", wire.FormatTime(current), "proposed", wire.FormatTime(t))
		}

		return nil
	}

	return s.setMeta(ctx, metaKeyCursor, wire.FormatTime(t))
}

// DeviceID returns the stable per-install device identifier, generating and
// persisting one on first use. The value survives logins and is never
// rotated; the server keys its device registry on it.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, err := s.getMeta(ctx, metaKeyDeviceID)
	if err != nil {
		return "", err
	}

	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := s.setMeta(ctx, metaKeyDeviceID, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}

	s.logger.Info("generated device id", "device_id", id)

	return id, nil
}
