package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/docstore"
)

// NewMeetingID returns a short upper-case meeting id such as "3F9A1C".
func NewMeetingID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(id[:6])
}

// NormalizeMeetingID trims whitespace. Meeting ids are otherwise compared
// byte for byte.
func NormalizeMeetingID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptyMeetingID
	}
	if strings.Contains(id, "/") {
		return "", fmt.Errorf("meeting id %q must not contain '/'", id)
	}
	return id, nil
}

// CheckMeetingAvailable refuses a meeting id whose call record already
// carries a known type. A failed lookup also refuses.
func CheckMeetingAvailable(ctx context.Context, store docstore.Channel, meetingID string) error {
	doc, err := store.Get(ctx, docstore.Doc(CallsCollection, meetingID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: lookup failed: %v", ErrMeetingInUse, err)
	}
	switch doc.String(fieldType) {
	case TypeOffer, TypeAnswer, TypeEndCall:
		return fmt.Errorf("%w: %s", ErrMeetingInUse, meetingID)
	}
	return nil
}

// WriteCallRecord overwrites the meeting's call record.
func WriteCallRecord(ctx context.Context, store docstore.Channel, meetingID string, rec CallRecord) error {
	err := store.Set(ctx, docstore.Doc(CallsCollection, meetingID), map[string]any{
		fieldType: rec.Type,
		fieldSDP:  rec.SDP,
	})
	if err != nil {
		return fmt.Errorf("write %s record: %w", rec.Type, err)
	}
	return nil
}

func WriteOffer(ctx context.Context, store docstore.Channel, meetingID, sdp string) error {
	return WriteCallRecord(ctx, store, meetingID, CallRecord{Type: TypeOffer, SDP: sdp})
}

func WriteAnswer(ctx context.Context, store docstore.Channel, meetingID, sdp string) error {
	return WriteCallRecord(ctx, store, meetingID, CallRecord{Type: TypeAnswer, SDP: sdp})
}

func WriteEndCall(ctx context.Context, store docstore.Channel, meetingID string) error {
	return WriteCallRecord(ctx, store, meetingID, CallRecord{Type: TypeEndCall})
}
