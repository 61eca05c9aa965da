package credential

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhaven/keycast/internal/domain"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "credential.json"))
}

func TestLoadMissingFile(t *testing.T) {
	s := tempStore(t)

	cred, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := tempStore(t)

	saved := &domain.Credential{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-def",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, s.Save(saved))

	// A fresh store instance must reproduce the pair exactly.
	loaded, err := NewStore(s.path).Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, saved.AccessToken, loaded.AccessToken)
	assert.Equal(t, saved.RefreshToken, loaded.RefreshToken)
	assert.True(t, saved.ExpiresAt.Equal(loaded.ExpiresAt))
}

func TestSaveRestrictsPermissions(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Save(&domain.Credential{AccessToken: "a"}))

	info, err := os.Stat(s.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestClear(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Save(&domain.Credential{AccessToken: "a"}))

	require.NoError(t, s.Clear())
	_, err := os.Stat(s.path)
	assert.True(t, os.IsNotExist(err))

	// Clearing twice stays quiet.
	require.NoError(t, s.Clear())
}

func TestLoadCorruptFile(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, os.WriteFile(s.path, []byte("{not json"), 0o600))

	_, err := s.Load()
	assert.Error(t, err)
}
