package credentials

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/mrmushfiq/langroute/internal/gateway/cache"
	"github.com/mrmushfiq/langroute/internal/shared/database"
	"github.com/mrmushfiq/langroute/internal/shared/models"
	"github.com/mrmushfiq/langroute/internal/shared/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey = bytes.Repeat([]byte{0x42}, 32)
	testIV  = bytes.Repeat([]byte{0x07}, 16)
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(testKey, testIV)
	require.NoError(t, err)
	return c
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *database.DB) {
	t.Helper()
	db, err := database.New("sqlite://" + filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return NewStore(db, newTestCipher(t), Limits{RequestsPerMinute: 60, TokensPerMinute: 100000}, opts...), db
}

func TestCipherRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	for _, s := range []string{"sk-test-123", "a", "exactly sixteen!", "ünïcødé 🔑", string(bytes.Repeat([]byte("x"), 300))} {
		enc := c.Encrypt(s)
		assert.NotEqual(t, s, enc)
		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, s, dec)
	}
}

func TestCipherEmptySentinel(t *testing.T) {
	c := newTestCipher(t)

	assert.Equal(t, "", c.Encrypt(""))
	dec, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", dec)
}

func TestCipherIsDeterministic(t *testing.T) {
	c := newTestCipher(t)
	assert.Equal(t, c.Encrypt("sk-abc"), c.Encrypt("sk-abc"))
}

func TestCipherRejectsBadInput(t *testing.T) {
	_, err := NewCipher(testKey[:16], testIV)
	assert.Error(t, err)
	_, err = NewCipher(testKey, testIV[:8])
	assert.Error(t, err)

	c := newTestCipher(t)
	_, err = c.Decrypt("not-hex")
	assert.Error(t, err)
	_, err = c.Decrypt("abcd")
	assert.Error(t, err)
}

func TestIssueAndResolveCaller(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	c, err := s.IssueCaller(ctx)
	require.NoError(t, err)
	_, err = uuid.Parse(c.VirtualKey)
	require.NoError(t, err)
	assert.Equal(t, 60, c.RequestsPerMinute)
	assert.Equal(t, 100000, c.TokensPerMinute)

	got, err := s.ResolveCaller(ctx, c.VirtualKey)
	require.NoError(t, err)
	assert.Equal(t, c.VirtualKey, got.VirtualKey)
	assert.Equal(t, "", got.Credentials[models.ProviderOpenAI])
	assert.Zero(t, got.TotalCost)

	_, err = s.ResolveCaller(ctx, "nope")
	assert.ErrorIs(t, err, ErrCallerNotFound)
}

func TestSaveAndDecryptCredentials(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	c, err := s.IssueCaller(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SaveCredentials(ctx, c.VirtualKey, map[string]string{
		models.ProviderOpenAI:  "sk-openai",
		models.ProviderMistral: "",
	}))

	got, err := s.ResolveCaller(ctx, c.VirtualKey)
	require.NoError(t, err)
	assert.NotEqual(t, "sk-openai", got.Credentials[models.ProviderOpenAI])

	plain, err := s.DecryptCredentials(got)
	require.NoError(t, err)
	assert.Equal(t, "sk-openai", plain[models.ProviderOpenAI])
	assert.Equal(t, "", plain[models.ProviderMistral])

	err = s.SaveCredentials(ctx, "missing", map[string]string{models.ProviderOpenAI: "x"})
	assert.ErrorIs(t, err, ErrCallerNotFound)

	err = s.SaveCredentials(ctx, c.VirtualKey, map[string]string{"anthropic": "x"})
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestAddCost(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	c, err := s.IssueCaller(ctx)
	require.NoError(t, err)
	require.NoError(t, s.AddCost(ctx, c.VirtualKey, 0.25))
	require.NoError(t, s.AddCost(ctx, c.VirtualKey, 0.5))

	got, err := s.ResolveCaller(ctx, c.VirtualKey)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.TotalCost, 1e-9)

	assert.ErrorIs(t, s.AddCost(ctx, "missing", 1), ErrCallerNotFound)
}

func TestResolveCallerUsesCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client, err := redis.New(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	s, _ := newTestStore(t, WithCache(cache.New(client, time.Minute)))

	c, err := s.IssueCaller(ctx)
	require.NoError(t, err)

	_, err = s.ResolveCaller(ctx, c.VirtualKey)
	require.NoError(t, err)
	assert.True(t, mr.Exists("caller:"+c.VirtualKey))

	require.NoError(t, s.SaveCredentials(ctx, c.VirtualKey, map[string]string{models.ProviderMistral: "m-key"}))
	assert.False(t, mr.Exists("caller:"+c.VirtualKey))

	got, err := s.ResolveCaller(ctx, c.VirtualKey)
	require.NoError(t, err)
	plain, err := s.DecryptCredentials(got)
	require.NoError(t, err)
	assert.Equal(t, "m-key", plain[models.ProviderMistral])
}

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "6f1c2a9e...", RedactKey("6f1c2a9e-0000-4000-8000-000000000001"))
	assert.Equal(t, "***", RedactKey("short"))
	assert.Equal(t, "***", RedactKey(""))
}
