package statestore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(OpenOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("k1", []byte("v1")))

	got, found, err := s.Get("k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), got)

	_, found, err = s.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeysAreTrimmed(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("  padded  ", []byte("v")))
	_, found, err := s.Get("padded")
	require.NoError(t, err)
	assert.True(t, found)

	assert.Error(t, s.Put("   ", []byte("v")))
	_, _, err = s.Get("")
	assert.Error(t, err)
}

func TestNextSeqIsMonotonic(t *testing.T) {
	s := newTestStore(t)

	prev, err := s.NextSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prev)

	for i := 0; i < 10; i++ {
		n, err := s.NextSeq()
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
}

func TestScanVisitsPrefixInOrder(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(fmt.Sprintf("a/%02d", i), []byte{byte(i)}))
	}
	require.NoError(t, s.Put("b/00", []byte("other")))

	var keys []string
	err := s.Scan("a/", func(key string, val []byte) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/00", "a/01", "a/02", "a/03", "a/04"}, keys)
}

func TestScanStopsOnCallbackError(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("a/0", []byte("v")))
	require.NoError(t, s.Put("a/1", []byte("v")))

	visited := 0
	err := s.Scan("a/", func(string, []byte) error {
		visited++
		return fmt.Errorf("stop here")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, visited)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(OpenOptions{})
	assert.Error(t, err)
}

func TestClosedAndNilStoresAreSafe(t *testing.T) {
	var nilStore *Store
	assert.NoError(t, nilStore.Close())
	assert.Error(t, nilStore.Put("k", nil))
	_, _, err := nilStore.Get("k")
	assert.Error(t, err)
	_, err = nilStore.NextSeq()
	assert.Error(t, err)
}
