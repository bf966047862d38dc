package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduper_Window(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()

	first, err := d.Claim(ctx, "stripe:evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	again, _ := d.Claim(ctx, "stripe:evt_1")
	assert.False(t, again)

	other, _ := d.Claim(ctx, "square:evt_1")
	assert.True(t, other, "same id from another provider is a different event")

	now = now.Add(time.Hour)
	expired, _ := d.Claim(ctx, "stripe:evt_1")
	assert.True(t, expired)

	require.NoError(t, d.Release(ctx, "stripe:evt_1"))
	released, _ := d.Claim(ctx, "stripe:evt_1")
	assert.True(t, released)
}

func TestMemoryDeduper_PrunesOldestFirst(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for _, k := range []string{"stripe:evt_1", "stripe:evt_2", "stripe:evt_3"} {
		ok, err := d.Claim(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, d.Release(ctx, "stripe:evt_1"))

	now = now.Add(30 * time.Minute)
	ok, _ := d.Claim(ctx, "stripe:evt_1")
	require.True(t, ok, "released claim can be taken again")
	assert.Equal(t, 3, d.Len())

	// the first three windows close; evt_1's second claim is still live
	now = now.Add(31 * time.Minute)
	ok, _ = d.Claim(ctx, "square:evt_9")
	require.True(t, ok)
	assert.Equal(t, 2, d.Len())

	again, _ := d.Claim(ctx, "stripe:evt_1")
	assert.False(t, again)
}

func TestBackoff(t *testing.T) {
	base := 10 * time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{4, 80 * time.Second},
		{20, time.Hour},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Backoff(base, c.attempts), "attempts=%d", c.attempts)
	}
}

func TestMemoryInbox_LeaseHidesEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := NewMemoryInbox()

	ev := testEvent("evt_1")
	require.NoError(t, in.Enqueue(ctx, ev, now, nil))
	require.NoError(t, in.Enqueue(ctx, ev, now, nil))
	require.Len(t, in.Entries(), 1, "enqueue is idempotent per event")

	got, err := in.Lease(ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	again, err := in.Lease(ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	later, err := in.Lease(ctx, now.Add(time.Minute), now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, later, 1, "lease lapses if the worker died")

	assert.ErrorIs(t, in.Complete(ctx, "nope"), ErrEntryNotFound)
}

func testEvent(id string) payment.Event {
	return payment.Event{Provider: payment.ProviderStripe, ID: id, Kind: payment.KindFailed, PaymentID: "pi_1"}
}
