package engine

import (
	"fmt"
	"time"
)

// NoticeKind is a non-fatal engine condition surfaced to the screen.
type NoticeKind int

const (
	// NoticeFetchFailed means the bulk load failed, the last known view is kept.
	NoticeFetchFailed NoticeKind = iota + 1
	// NoticeStreamClosed means the change stream terminated or couldn't be opened, Activate resubscribes.
	NoticeStreamClosed
)

// String implements the stringer interface.
func (k NoticeKind) String() string {
	switch k {
	case NoticeFetchFailed:
		return "fetchFailed"
	case NoticeStreamClosed:
		return "streamClosed"
	}

	return fmt.Sprintf("unknown(%d)", int(k))
}

// Notice is published to Engine.Notices.
type Notice struct {
	Kind   NoticeKind
	Entity string
	Err    error
	At     time.Time
}

// String implements the stringer interface.
func (n Notice) String() string {
	return fmt.Sprintf("%s [%s]: %v", n.Entity, n.Kind, n.Err)
}
