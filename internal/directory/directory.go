// Package directory is the boundary to the platform's durable user storage.
// The broadcast daemon only ever needs to resolve a subject id to an
// identity snapshot; everything else about users lives in other services.
package directory

import (
	"context"

	"github.com/quillhaven/keycast/internal/domain"
)

// Directory looks up platform users. Implementations return
// domain.ErrUserNotFound when the subject does not exist.
type Directory interface {
	FindByID(ctx context.Context, id int64) (*domain.Identity, error)
}
