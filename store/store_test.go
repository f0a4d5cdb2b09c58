package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hizkifw/lmrelay/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat", "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreLifecycle(t *testing.T) {
	s := openTestStore(t)

	c, err := s.Add("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, c.Title)
	assert.Equal(t, TypeNormal, c.Type)

	history := message.History{
		{Role: message.RoleSystem, Content: "Be brief."},
		{Role: message.RoleUser, Content: "What is\nthe capital of France?"},
		{Role: message.RoleAssistant, Content: "Paris."},
	}
	require.NoError(t, s.UpdateMessages(c.Id, history))

	got, err := s.Get(c.Id)
	require.NoError(t, err)
	assert.Equal(t, history, got.Messages)
	assert.Equal(t, "What is the capital of France?", got.Title)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	require.NoError(t, s.UpdateTitle(c.Id, "  Geography  "))
	got, err = s.Get(c.Id)
	require.NoError(t, err)
	assert.Equal(t, "Geography", got.Title)

	// An explicit title survives further messages.
	require.NoError(t, s.UpdateMessages(c.Id, append(history, message.Message{Role: message.RoleUser, Content: "And Spain?"})))
	got, err = s.Get(c.Id)
	require.NoError(t, err)
	assert.Equal(t, "Geography", got.Title)
	assert.Len(t, got.Messages, 4)

	require.NoError(t, s.Delete(c.Id))
	_, err = s.Get(c.Id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(c.Id), ErrNotFound)
	assert.ErrorIs(t, s.UpdateTitle(c.Id, "x"), ErrNotFound)
}

func TestStoreListOrder(t *testing.T) {
	s := openTestStore(t)

	a, err := s.Add("")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := s.Add("")
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.Id, list[0].Id)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.UpdateTitle(a.Id, "bumped"))
	list, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, a.Id, list[0].Id)
	assert.Empty(t, list[1].Messages)
}

func TestStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.db")
	s, err := Open(path)
	require.NoError(t, err)
	c, err := s.Add("")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(c.Id)
	require.NoError(t, err)
	assert.Equal(t, c.Id, got.Id)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, DefaultTitle, deriveTitle(nil))
	assert.Equal(t, DefaultTitle, deriveTitle(message.History{{Role: message.RoleAssistant, Content: "hi"}}))

	long := strings.Repeat("é", 60)
	title := deriveTitle(message.History{{Role: message.RoleUser, Content: long}})
	assert.Equal(t, 50, len([]rune(title)))
	assert.True(t, strings.HasSuffix(title, "..."))
}
