package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskal/cmdrelay/pkg/command"
)

func TestSweeper_DeletesExpiredRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	_, _, err := st.CreateIfAbsent(ctx, &command.Record{
		RequestID:   "req-expired",
		PrincipalID: "tenant-1",
		Operation:   "vat.SubmitReturn",
		Status:      command.StatusPending,
		CreatedAt:   now.Add(-48 * time.Hour),
		UpdatedAt:   now.Add(-48 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	})
	require.NoError(t, err)
	createPending(t, st, "req-live")

	s := NewSweeper(st, SweeperConfig{
		Interval:       20 * time.Millisecond,
		StaleThreshold: 10 * time.Minute,
	}, nil)

	require.NoError(t, s.Start(ctx))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Stop(ctx))

	_, err = st.Get(ctx, "req-expired")
	assert.True(t, errors.Is(err, command.ErrRecordNotFound), "expired record should be swept")

	_, err = st.Get(ctx, "req-live")
	assert.NoError(t, err, "live record must survive the sweep")
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	st := newTestStore(t)
	s := NewSweeper(st, DefaultSweeperConfig(), nil)
	assert.NoError(t, s.Stop(context.Background()))
}
