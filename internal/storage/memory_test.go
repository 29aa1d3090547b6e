package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) storeHarness {
		clock := newFakeClock()
		s := NewMemoryStore(WithClock(clock.Now))
		t.Cleanup(func() { _ = s.Close() })
		return storeHarness{store: s, advance: clock.Advance}
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := Key{Namespace: "ns", ID: "id"}

	value := []byte("abc")
	require.NoError(t, s.Set(ctx, key, value, 0))
	value[0] = 'z'

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'z'
	again, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, Key{Namespace: "ns", ID: "id"})
	assert.Error(t, err)
	assert.Error(t, s.Set(ctx, Key{Namespace: "ns", ID: "id"}, nil, time.Minute))
}
