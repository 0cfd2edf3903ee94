package directory

import (
	"errors"

	"github.com/kora-suite/kora-access/internal/shared"
)

// ErrNotFound aliases the shared sentinel so callers can match on either.
var ErrNotFound = shared.ErrNotFound

// ErrDuplicate marks a uniqueness conflict on role codes or process names.
var ErrDuplicate = errors.New("directory: already exists")
