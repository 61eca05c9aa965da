// Package identity resolves bearer tokens to platform identities for the
// broadcast daemon. Verification is purely local (symmetric JWT check); the
// subject lookup goes through a cache before touching the user directory.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/quillhaven/keycast/internal/directory"
	"github.com/quillhaven/keycast/internal/domain"
	"github.com/quillhaven/keycast/pkg/auth"
)

const identityKeyPrefix = "identity:"

// IdentityTTL bounds how long a cached identity is trusted. A role change
// in the directory is not visible until the entry lapses; that staleness
// window is accepted.
const IdentityTTL = 30 * time.Minute

const localCacheSize = 4096

// Verifier authenticates bearer tokens and authorizes subscriber roles.
type Verifier struct {
	secret []byte
	dir    directory.Directory
	cache  CacheRepository // optional, can be nil
	local  *expirable.LRU[int64, *domain.Identity]
	log    *logrus.Logger
}

func NewVerifier(secret []byte, dir directory.Directory, cache CacheRepository, log *logrus.Logger) *Verifier {
	if log == nil {
		log = logrus.New()
	}
	return &Verifier{
		secret: secret,
		dir:    dir,
		cache:  cache,
		local:  expirable.NewLRU[int64, *domain.Identity](localCacheSize, nil, IdentityTTL),
		log:    log,
	}
}

// Verify checks the token's signature and expiry, resolves its subject and
// authorizes the role. Only admin and bot identities come back without error.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*domain.Identity, error) {
	claims, err := auth.ValidateAccessToken(v.secret, tokenString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	}

	identity, err := v.lookupIdentity(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}

	if !identity.Role.CanSubscribe() {
		return nil, domain.ErrRoleForbidden
	}
	return identity, nil
}

// lookupIdentity is cache-aside: cache hit short-circuits the directory, a
// miss populates the cache with a bounded TTL.
func (v *Verifier) lookupIdentity(ctx context.Context, userID int64) (*domain.Identity, error) {
	if cached := v.getCached(ctx, userID); cached != nil {
		return cached, nil
	}

	identity, err := v.dir.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	v.setCached(ctx, identity)
	return identity, nil
}

func (v *Verifier) getCached(ctx context.Context, userID int64) *domain.Identity {
	if v.cache != nil {
		data, err := v.cache.Get(ctx, identityKeyPrefix+strconv.FormatInt(userID, 10))
		if err != nil || data == "" {
			return nil
		}
		var identity domain.Identity
		if err := json.Unmarshal([]byte(data), &identity); err != nil {
			return nil
		}
		return &identity
	}

	if identity, ok := v.local.Get(userID); ok {
		return identity
	}
	return nil
}

func (v *Verifier) setCached(ctx context.Context, identity *domain.Identity) {
	if v.cache != nil {
		key := identityKeyPrefix + strconv.FormatInt(identity.ID, 10)
		data, err := json.Marshal(identity)
		if err == nil {
			if cacheErr := v.cache.Set(ctx, key, data, IdentityTTL); cacheErr != nil {
				v.log.WithError(cacheErr).Warn("failed to cache identity")
			}
		}
		return
	}

	v.local.Add(identity.ID, identity)
}

// Invalidate drops a cached identity, for explicit admin actions.
func (v *Verifier) Invalidate(ctx context.Context, userID int64) {
	if v.cache != nil {
		if err := v.cache.Del(ctx, identityKeyPrefix+strconv.FormatInt(userID, 10)); err != nil {
			v.log.WithError(err).Warn("failed to invalidate cached identity")
		}
		return
	}
	v.local.Remove(userID)
}
