package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the shared get/set/delete contract against s.
func exerciseStore(t *testing.T, s SecureStore) {
	t.Helper()

	_, err := s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("accounts", []byte(`[{"id":"a"}]`)))
	got, err := s.Get("accounts")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a"}]`, string(got))

	require.NoError(t, s.Set("accounts", []byte(`[]`)))
	got, err = s.Get("accounts")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))

	require.NoError(t, s.Delete("accounts"))
	_, err = s.Get("accounts")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, s.Delete("accounts"))
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_CopiesValues(t *testing.T) {
	m := NewMemory()
	value := []byte("abc")
	require.NoError(t, m.Set("k", value))
	value[0] = 'z'

	got, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	f, err := NewFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	exerciseStore(t, f)
}

func TestFile_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	f1, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, f1.Set("activeAccountId", []byte("abc")))
	require.NoError(t, f1.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f2, err := NewFile(path)
	require.NoError(t, err)
	defer f2.Close()

	got, err := f2.Get("activeAccountId")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFile_InvalidContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFile(path)
	require.Error(t, err)
}

func TestFile_WatchExternalChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	daemon, err := NewFile(path)
	require.NoError(t, err)
	defer daemon.Close()
	require.NoError(t, daemon.Set("activeAccountId", []byte("a")))

	changed := make(chan struct{}, 4)
	require.NoError(t, daemon.Watch(func() { changed <- struct{}{} }))

	// A write through the watched instance must not trigger the callback.
	require.NoError(t, daemon.Set("activeAccountId", []byte("b")))
	select {
	case <-changed:
		t.Fatal("own write triggered change callback")
	case <-time.After(3 * debounceInterval):
	}

	cli, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, cli.Set("activeAccountId", []byte("c")))
	require.NoError(t, cli.Close())

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("external write was not observed")
	}

	got, err := daemon.Get("activeAccountId")
	require.NoError(t, err)
	assert.Equal(t, "c", string(got))
}

func TestSealed(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	inner := NewMemory()
	s, err := NewSealed(inner, key)
	require.NoError(t, err)

	exerciseStore(t, s)

	require.NoError(t, s.Set("accounts", []byte("sk-ant-secret")))
	raw, err := inner.Get("accounts")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-ant-secret")
}

func TestSealed_WrongKeyOrSwappedValue(t *testing.T) {
	inner := NewMemory()
	s1, err := NewSealed(inner, bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	require.NoError(t, s1.Set("a", []byte("value")))

	s2, err := NewSealed(inner, bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	_, err = s2.Get("a")
	require.ErrorIs(t, err, ErrCorrupt)

	raw, err := inner.Get("a")
	require.NoError(t, err)
	require.NoError(t, inner.Set("b", raw))
	_, err = s1.Get("b")
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, inner.Set("c", []byte("short")))
	_, err = s1.Get("c")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestNewSealed_BadKey(t *testing.T) {
	_, err := NewSealed(NewMemory(), []byte("short"))
	require.Error(t, err)
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "store.key")

	key, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))
	_, err = LoadOrCreateKey(path)
	require.Error(t, err)
}
