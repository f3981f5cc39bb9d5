package repository

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrRunNotFound   = errors.New("pipeline run not found")
	ErrPhaseMismatch = errors.New("pipeline run is not in the expected phase")
	ErrResourceBusy  = errors.New("resource is owned by another sync task")
)
