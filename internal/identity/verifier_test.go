package identity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhaven/keycast/internal/domain"
	"github.com/quillhaven/keycast/pkg/auth"
)

var testSecret = []byte("unit-test-signing-key")

type fakeDirectory struct {
	users   map[int64]*domain.Identity
	lookups atomic.Int64
}

func (d *fakeDirectory) FindByID(_ context.Context, id int64) (*domain.Identity, error) {
	d.lookups.Add(1)
	identity, ok := d.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	copied := *identity
	return &copied, nil
}

func signedToken(t *testing.T, userID int64, role domain.Role, ttl time.Duration) string {
	t.Helper()
	token, err := auth.GenerateAccessToken(testSecret, userID, "tester", role, ttl)
	require.NoError(t, err)
	return token
}

func newTestVerifier(t *testing.T, dir *fakeDirectory) (*Verifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewVerifier(testSecret, dir, NewRedisCache(client), logrus.New()), mr
}

func TestVerifyAdmin(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{
		7: {ID: 7, DisplayName: "ops", Role: domain.RoleAdmin},
	}}
	v, _ := newTestVerifier(t, dir)

	identity, err := v.Verify(context.Background(), signedToken(t, 7, domain.RoleAdmin, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(7), identity.ID)
	assert.Equal(t, domain.RoleAdmin, identity.Role)
}

func TestVerifyBot(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{
		9: {ID: 9, DisplayName: "relay", Role: domain.RoleBot},
	}}
	v, _ := newTestVerifier(t, dir)

	_, err := v.Verify(context.Background(), signedToken(t, 9, domain.RoleBot, time.Minute))
	assert.NoError(t, err)
}

func TestVerifyRejectsUserRole(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{
		3: {ID: 3, DisplayName: "reader", Role: domain.RoleUser},
	}}
	v, _ := newTestVerifier(t, dir)

	_, err := v.Verify(context.Background(), signedToken(t, 3, domain.RoleUser, time.Minute))
	assert.ErrorIs(t, err, domain.ErrRoleForbidden)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{
		7: {ID: 7, Role: domain.RoleAdmin},
	}}
	v, _ := newTestVerifier(t, dir)

	_, err := v.Verify(context.Background(), signedToken(t, 7, domain.RoleAdmin, -time.Minute))
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{
		7: {ID: 7, Role: domain.RoleAdmin},
	}}
	v, _ := newTestVerifier(t, dir)

	forged, err := auth.GenerateAccessToken([]byte("some-other-key"), 7, "tester", domain.RoleAdmin, time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), forged)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestVerifyRejectsUnsignedAlgorithm(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{
		7: {ID: 7, Role: domain.RoleAdmin},
	}}
	v, _ := newTestVerifier(t, dir)

	claims := &auth.Claims{
		UserID: 7,
		Role:   domain.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), unsigned)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestVerifyRejectsUnknownSubject(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{}}
	v, _ := newTestVerifier(t, dir)

	_, err := v.Verify(context.Background(), signedToken(t, 42, domain.RoleAdmin, time.Minute))
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestVerifyCachesSubjectLookup(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{
		7: {ID: 7, DisplayName: "ops", Role: domain.RoleAdmin},
	}}
	v, _ := newTestVerifier(t, dir)
	token := signedToken(t, 7, domain.RoleAdmin, time.Minute)

	for i := 0; i < 5; i++ {
		_, err := v.Verify(context.Background(), token)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), dir.lookups.Load())
}

func TestRoleDowngradeVisibleAfterTTL(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{
		7: {ID: 7, DisplayName: "ops", Role: domain.RoleAdmin},
	}}
	v, mr := newTestVerifier(t, dir)
	token := signedToken(t, 7, domain.RoleAdmin, 2*IdentityTTL)

	_, err := v.Verify(context.Background(), token)
	require.NoError(t, err)

	// Downgrade in the directory is masked by the cache entry.
	dir.users[7].Role = domain.RoleUser
	_, err = v.Verify(context.Background(), token)
	require.NoError(t, err)

	// After the TTL lapses, the downgrade takes effect.
	mr.FastForward(IdentityTTL + time.Minute)
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrRoleForbidden)
}

func TestVerifyWithoutRedisFallsBackToLocalCache(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{
		7: {ID: 7, DisplayName: "ops", Role: domain.RoleAdmin},
	}}
	v := NewVerifier(testSecret, dir, nil, logrus.New())
	token := signedToken(t, 7, domain.RoleAdmin, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := v.Verify(context.Background(), token)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), dir.lookups.Load())
}

func TestInvalidateDropsCachedIdentity(t *testing.T) {
	dir := &fakeDirectory{users: map[int64]*domain.Identity{
		7: {ID: 7, DisplayName: "ops", Role: domain.RoleAdmin},
	}}
	v, _ := newTestVerifier(t, dir)
	token := signedToken(t, 7, domain.RoleAdmin, time.Minute)

	_, err := v.Verify(context.Background(), token)
	require.NoError(t, err)

	v.Invalidate(context.Background(), 7)

	_, err = v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dir.lookups.Load())
}
