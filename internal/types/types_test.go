package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUserTier(t *testing.T) {
	assert.Equal(t, TierPaid, ParseUserTier("paid"))
	assert.Equal(t, TierFree, ParseUserTier("free"))
	assert.Equal(t, TierFree, ParseUserTier(""))
	assert.Equal(t, TierFree, ParseUserTier("enterprise"))
}

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobStatusProcessing, false},
		{JobStatusCompleted, true},
		{JobStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsTerminal())
		})
	}
}

func TestServiceError_Error(t *testing.T) {
	err := &ServiceError{Code: "JOB_NOT_FOUND", Message: "import job not found"}
	assert.Equal(t, "import job not found", err.Error())
}
