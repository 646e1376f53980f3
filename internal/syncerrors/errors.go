package syncerrors

import "errors"

// Sync cycle errors. Callers treat both as "degrade silently": show the
// offline indicator, do not retry beyond the normal triggers.
var (
	ErrOffline          = errors.New("offline")
	ErrPermissionDenied = errors.New("permission denied by remote store")
)

// Remote/transport errors.
var (
	ErrRemoteRequest  = errors.New("remote request failed")
	ErrRemoteResponse = errors.New("unexpected remote response")
)
