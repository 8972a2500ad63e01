package transport

import "errors"

// Sentinel errors, matching the teacher's fmt.Errorf("...: %w", err)
// wrapping convention (source/server/server.go's Start()) rather than ad-hoc
// string errors.
var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected or joining")
	ErrJoinFailed       = errors.New("transport: join failed")
	ErrClosed           = errors.New("transport: closed")
)
