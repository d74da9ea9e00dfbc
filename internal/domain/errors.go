package domain

import "errors"

// ErrVersionConflict is returned by stores when a conditional write loses a race.
var ErrVersionConflict = errors.New("version conflict")
