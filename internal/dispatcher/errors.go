package dispatcher

import (
	"errors"

	"chanfetch/internal/ipc"
	"chanfetch/internal/media"
)

// Job outcomes reported by workers keep their identity across the process
// boundary (see ipc.Message.Err).
var (
	ErrNotInitialized       = media.ErrNotInitialized
	ErrCancelled            = media.ErrCancelled
	ErrFileReferenceExpired = media.ErrFileReferenceExpired
	ErrFileReferenceInvalid = media.ErrFileReferenceInvalid
	ErrFileIDInvalid        = media.ErrFileIDInvalid
	ErrWorkerBusy           = ipc.ErrBusy
)

var (
	ErrWorkerExited     = errors.New("worker exited unexpectedly")
	ErrSandboxDestroyed = errors.New("sandbox destroyed")
	ErrSessionChanged   = errors.New("session changed")
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrSpawnFailed      = errors.New("worker spawn failed")
	ErrHeartbeatTimeout = errors.New("worker heartbeat timeout")
	ErrJobNotFound      = errors.New("job not found")
	ErrWorkerBacklog    = errors.New("worker send backlog full")
)
