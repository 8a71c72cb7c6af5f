package audit

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/maestro-crm/maestro/internal/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordFillsDefaults(t *testing.T) {
	w := NewWriter(nil, discard(), 64, 0)

	w.Record(model.GenerationRecord{UserID: uuid.New(), Type: model.GenerationChat})

	assert.Equal(t, 1, w.Len())
	w.mu.Lock()
	rec := w.pending[0]
	w.mu.Unlock()
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestRecordDropsWhenFull(t *testing.T) {
	w := NewWriter(nil, discard(), maxBufferCapacity+1, 0)

	for i := 0; i < maxBufferCapacity+3; i++ {
		w.Record(model.GenerationRecord{UserID: uuid.New(), Type: model.GenerationChat})
	}

	assert.Equal(t, maxBufferCapacity, w.Len())
	assert.Equal(t, int64(3), w.Dropped())
}

func TestRecordSignalsFlushWithoutBlocking(t *testing.T) {
	w := NewWriter(nil, discard(), 2, 0)

	// No flush loop is running; the signal channel must absorb or drop
	// the notification rather than block the caller.
	for i := 0; i < 10; i++ {
		w.Record(model.GenerationRecord{UserID: uuid.New(), Type: model.GenerationLessonNotes})
	}

	assert.Equal(t, 10, w.Len())
}
