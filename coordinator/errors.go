package coordinator

import "gitlab.com/tozd/go/errors"

var (
	ErrClosed        = errors.Base("coordinator closed")
	ErrNotForRealm   = errors.Base("notifier does not belong to this handle")
	ErrAsyncFailure  = errors.Base("background notifier run failed")
	ErrUnknownHandle = errors.Base("handle not open on this coordinator")
)
