// Package dimse defines the contract this service consumes from a DICOM
// association engine (the component that negotiates associations and performs
// C-STORE, C-FIND and C-MOVE on the wire). The engine itself is an external
// collaborator: an implementation registers itself with Register, typically
// from its package init, and relay modes that need one refuse to start when
// none is present.
package dimse

import (
	"context"
	"sync"
)

// Status is a DIMSE response status code.
type Status uint16

const (
	StatusSuccess        Status = 0x0000
	StatusCancel         Status = 0xFE00
	StatusPending        Status = 0xFF00
	StatusPendingWarning Status = 0xFF01
	// StatusFailure is the generic "unable to process" failure returned by the
	// inbound receiver when it cannot persist an object.
	StatusFailure Status = 0xC000
)

// IsPending reports whether the status means "more responses to come".
func (s Status) IsPending() bool {
	return s == StatusPending || s == StatusPendingWarning
}

// IsSuccess reports whether the status is the terminal success sentinel.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}

// Endpoint names a remote application entity.
type Endpoint struct {
	AETitle string
	Host    string
	Port    int
}

// Query identifies the studies a C-FIND or C-MOVE operates on. An empty
// StudyInstanceUID is a wildcard matching every study.
type Query struct {
	Level            string
	StudyInstanceUID string
}

// MoveResult is one element of a C-MOVE response stream: a pending sentinel
// while sub-operations continue, then a terminal status.
type MoveResult struct {
	Status    Status
	Remaining int
	Completed int
	Failed    int
}

// FindResult is one match from a C-FIND response stream.
type FindResult struct {
	Status           Status
	StudyInstanceUID string
}

// ObjectHandler is invoked once per inbound C-STORE object, from the engine's
// listener goroutine. It must complete in bounded time and return the status
// synchronously; the return value becomes the C-STORE response.
type ObjectHandler func(raw []byte) Status

// Service is the association engine surface the relay consumes.
type Service interface {
	// Store sends one object to peer via C-STORE and returns its status.
	Store(ctx context.Context, peer Endpoint, object []byte) (Status, error)
	// Find runs a study-level C-FIND against peer and returns the matches.
	Find(ctx context.Context, peer Endpoint, q Query) ([]FindResult, error)
	// Move asks peer to C-MOVE the matching study to destinationAE. The
	// returned channel carries the response stream and is closed when the
	// association completes or ctx is done.
	Move(ctx context.Context, peer Endpoint, q Query, destinationAE string) (<-chan MoveResult, error)
	// RegisterInboundHandler sets the callback for objects pushed to the local
	// listener. Must be called before StartListener.
	RegisterInboundHandler(handler ObjectHandler)
	// StartListener accepts inbound associations on port.
	StartListener(port int) error
	// StopListener shuts the inbound listener down.
	StopListener() error
}

var (
	engineMu sync.RWMutex
	engine   Service
)

// Register installs the association engine. Later registrations replace
// earlier ones; tests use this to install fakes.
func Register(s Service) {
	engineMu.Lock()
	defer engineMu.Unlock()
	engine = s
}

// Engine returns the registered association engine, if any.
func Engine() (Service, bool) {
	engineMu.RLock()
	defer engineMu.RUnlock()
	return engine, engine != nil
}
