package dispatcher

import "errors"

// Error kinds the Dispatcher and Ingress classify failures into. Only
// WorkerUnavailable, PrepareFailed, StreamError and PersistError are fatal
// to a task; DeliverError and PushError are logged and do not change task
// status (spec §7).
var (
	ErrBadRequest          = errors.New("dispatcher: bad request")
	ErrVerificationFailed  = errors.New("dispatcher: verification failed")
	ErrWorkerUnavailable   = errors.New("dispatcher: worker unavailable")
	ErrPrepareFailed       = errors.New("dispatcher: prepare failed")
	ErrStreamError         = errors.New("dispatcher: stream error")
	ErrPersistError        = errors.New("dispatcher: persist error")
	ErrDeliverError        = errors.New("dispatcher: deliver error")
	ErrPushError           = errors.New("dispatcher: push error")
	ErrCanceled            = errors.New("dispatcher: canceled")
)
