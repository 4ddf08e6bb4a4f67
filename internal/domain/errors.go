package domain

import "errors"

var (
	// ErrJobNotFound is returned when no job exists for the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrForbidden is returned when the caller does not own the job.
	ErrForbidden = errors.New("caller is not the job owner")
	// ErrSubscriberLimit is returned when a job already has the maximum number of observers.
	ErrSubscriberLimit = errors.New("subscriber limit reached for job")
	// ErrInvalidJob is returned when a job cannot be created from the given fields.
	ErrInvalidJob = errors.New("invalid job")
	// ErrInvalidStage is returned when a producer reports a terminal stage through progress.
	ErrInvalidStage = errors.New("invalid stage")
	// ErrRegistryClosed is returned by Subscribe after shutdown.
	ErrRegistryClosed = errors.New("subscription registry closed")
)
