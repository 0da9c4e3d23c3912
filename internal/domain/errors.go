package domain

import "errors"

var (
	// ErrInvalidConfig is returned when experiment parameters are out of range.
	ErrInvalidConfig = errors.New("invalid experiment configuration")

	// ErrInvalidArm is returned for arms other than control (0) and treatment (1).
	ErrInvalidArm = errors.New("invalid arm")

	ErrExperimentNotFound  = errors.New("experiment not found")
	ErrNoActiveExperiment  = errors.New("no active experiment for flag")
	ErrDuplicateExperiment = errors.New("experiment with this name already exists")

	// ErrActiveExperimentExists is returned when activating a second experiment for a flag.
	ErrActiveExperimentExists = errors.New("flag already has an active experiment")

	// ErrWinnerConflict is returned when a different winning arm is already fixed.
	ErrWinnerConflict = errors.New("winning arm already set to a different arm")

	// ErrConversionExceedsViews is returned when a conversion has no matching view.
	ErrConversionExceedsViews = errors.New("conversions would exceed views")
)
