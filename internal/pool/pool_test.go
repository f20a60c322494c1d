package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBorrowReturnRoundTrip(t *testing.T) {
	p := New(4, 1024)
	c, err := p.Borrow(context.Background(), OwnerReader)
	require.NoError(t, err)
	assert.Equal(t, 1024, len(c.Bytes))
	assert.Equal(t, OwnerReader, c.Owner())
	assert.EqualValues(t, 1, p.InUseTotal())

	p.Return(c)
	assert.EqualValues(t, 0, p.InUseTotal())
	assert.EqualValues(t, 4, p.Snapshot().Free)
}

// TestBackpressureBlocksUntilReturn exercises spec.md testable property 8:
// with the pool set to exactly one chunk above the minimum, borrowing
// beyond capacity blocks rather than erroring, and unblocks as soon as a
// chunk is returned — no deadlock.
func TestBackpressureBlocksUntilReturn(t *testing.T) {
	p := New(1, 16)
	ctx := context.Background()

	c1, err := p.Borrow(ctx, OwnerTxnBuffer)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c2, err := p.Borrow(ctx, OwnerTxnBuffer)
		require.NoError(t, err)
		p.Return(c2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("borrow should have blocked while the single chunk is in use")
	case <-time.After(50 * time.Millisecond):
	}

	p.Return(c1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("borrow did not unblock after return")
	}
}

func TestBorrowCanceledByContext(t *testing.T) {
	p := New(1, 16)
	c1, err := p.Borrow(context.Background(), OwnerReader)
	require.NoError(t, err)
	defer p.Return(c1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = p.Borrow(ctx, OwnerReader)
	assert.Error(t, err)
}
