package queue

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffsho/AttendanceSystem/internal/models"
)

func TestGalleryCommandCodec(t *testing.T) {
	payload, err := encodeGalleryCommand(models.GalleryCommand{
		Action:     models.GalleryActionReset,
		Reason:     "enrolled",
		IdentityID: 7,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"reset","reason":"enrolled","identity_id":7}`, string(payload))

	cmd, err := decodeGalleryCommand([]byte(`{"action":"reload","reason":"deleted"}`))
	require.NoError(t, err)
	assert.Equal(t, models.GalleryActionReload, cmd.Action)
	assert.Zero(t, cmd.IdentityID)
}

func TestGalleryCommandRejectsUnknownAction(t *testing.T) {
	_, err := encodeGalleryCommand(models.GalleryCommand{Action: "drop"})
	assert.Error(t, err)

	_, err = decodeGalleryCommand([]byte(`{"action":""}`))
	assert.Error(t, err)

	_, err = decodeGalleryCommand([]byte(`not json`))
	assert.Error(t, err)
}

func TestAttendanceStreamConfig(t *testing.T) {
	cfg := attendanceStreamConfig()
	assert.Equal(t, AttendanceStreamName, cfg.Name)
	assert.Equal(t, []string{"attendance.>"}, cfg.Subjects)
	assert.Equal(t, jetstream.InterestPolicy, cfg.Retention)
	assert.Equal(t, time.Minute, cfg.Duplicates)
	assert.Equal(t, "attendance.recorded", RecordedSubject)
}
