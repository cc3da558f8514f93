package consts

import "errors"

var (
	ErrUnknownBackend   = errors.New("unknown backend")
	ErrEmptyBackendName = errors.New("backend name is empty")
	ErrInvalidUUID      = errors.New("invalid uuid")
	ErrNotWhitelisted   = errors.New("identity is not whitelisted")

	ErrTimerRunning = errors.New("a maintenance timer is already running")
	ErrNoTimer      = errors.New("no maintenance timer is running")
	ErrTimerInvalid = errors.New("timer duration must be positive")
	ErrAlreadyOn    = errors.New("maintenance is already enabled")
	ErrAlreadyOff   = errors.New("maintenance is already disabled")

	ErrStoreClosed      = errors.New("shared state store is closed")
	ErrUnsupportedStore = errors.New("unsupported shared state driver")

	ErrHostUnavailable = errors.New("proxy host unavailable")
	ErrSessionNotFound = errors.New("session not found")
	ErrConnectFailed   = errors.New("connect to backend failed")
)
