package handlers

import "errors"

var (
	errMissingIdentity = errors.New("missing request identity")
	errMissingQuery    = errors.New("missing query parameter q")
	errMissingDayID    = errors.New("missing query parameter dayId")
	errMissingKey      = errors.New("missing query parameter key")
	errBlockNotFound   = errors.New("block not found")
	errFactNotFound    = errors.New("fact not found")
	errUsageNotFound   = errors.New("usage stat not found")
)
