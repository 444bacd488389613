package reminder

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrTransientFailure    = errors.New("transient delivery failure")
	ErrPermanentFailure    = errors.New("permanent delivery failure")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrAppointmentExists   = errors.New("appointment already has a reminder plan")
	ErrAppointmentClosed   = errors.New("appointment is no longer scheduled")
)
