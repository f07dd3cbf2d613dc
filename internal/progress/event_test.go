package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{name: "progress", evt: NewProgress("j", now, ProgressPayload{BrandName: "Nike"})},
		{name: "complete", evt: NewComplete("j", now, CompletePayload{Status: "completed"})},
		{name: "missing job", evt: NewProgress("", now, ProgressPayload{}), wantErr: true},
		{name: "missing ts", evt: NewProgress("j", time.Time{}, ProgressPayload{}), wantErr: true},
		{name: "kind mismatch", evt: Event{JobID: "j", TS: now, Kind: KindComplete, Error: &ErrorPayload{}}, wantErr: true},
		{name: "two payloads", evt: Event{
			JobID: "j", TS: now, Kind: KindError,
			Error: &ErrorPayload{}, Progress: &ProgressPayload{},
		}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNewCancelledDefaultsReason(t *testing.T) {
	t.Parallel()

	evt := NewCancelled("j", time.Now(), CancelledPayload{ProcessedBrands: 1, TotalBrands: 4})
	require.Equal(t, CancelReason, evt.Cancelled.Reason)
	require.True(t, evt.Terminal())
	require.Same(t, evt.Cancelled, evt.Payload())
}
