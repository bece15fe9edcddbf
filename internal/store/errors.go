package store

import (
	domainerrors "github.com/civicplan/plantree/internal/errors"
)

// Sentinel errors returned by Store implementations. They carry domain error
// codes, so callers may match either these values or the domain sentinels.
var (
	ErrNotFound      = domainerrors.NotFound("resource not found")
	ErrAlreadyExists = domainerrors.AlreadyExists("resource already exists")
)
