package diagnostics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRecordStampsIDAndType(t *testing.T) {
	now := time.Now()
	r := NewRecord(EventWatchdogRestart, now)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, EventWatchdogRestart, r.Type)
	assert.Equal(t, now, r.OccurredAt)
}

func TestNewRecordGeneratesUniqueIDs(t *testing.T) {
	a := NewRecord(EventBuildFailure, time.Now())
	b := NewRecord(EventBuildFailure, time.Now())
	assert.NotEqual(t, a.ID, b.ID)
}
