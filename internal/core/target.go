package core

import (
	"errors"
	"fmt"

	"github.com/keepmind9/imnotify/internal/im"
)

var (
	// ErrInvalidArgument is returned for nil targets
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotLoggedIn is returned by Send before the connection logged in or
	// after it closed
	ErrNotLoggedIn = errors.New("connection not logged in")
)

// Target is anything that names a notification recipient. Only targets
// produced by a Resolver can be sent to.
type Target interface {
	Lookup() string
}

// ResolvedTarget is a directory user together with the string it was
// resolved from. Two targets are equal when their lookup strings are.
type ResolvedTarget struct {
	lookup string
	user   im.User
}

// Lookup returns the string the target was resolved from
func (t *ResolvedTarget) Lookup() string {
	return t.lookup
}

// User returns the network user
func (t *ResolvedTarget) User() im.User {
	return t.user
}

// Equal compares lookup strings
func (t *ResolvedTarget) Equal(other Target) bool {
	if t == nil || other == nil {
		return false
	}
	return t.lookup == other.Lookup()
}

func (t *ResolvedTarget) String() string {
	return fmt.Sprintf("%s (%s)", t.lookup, t.user.ID)
}

// TargetTypeError reports a Target that was not produced by a Resolver
type TargetTypeError struct {
	Target Target
}

func (e *TargetTypeError) Error() string {
	return fmt.Sprintf("unsupported target type %T", e.Target)
}

// asResolved checks a Target handed in by a caller
func asResolved(target Target) (*ResolvedTarget, error) {
	if target == nil {
		return nil, ErrInvalidArgument
	}
	rt, ok := target.(*ResolvedTarget)
	if !ok {
		return nil, &TargetTypeError{Target: target}
	}
	if rt == nil {
		return nil, ErrInvalidArgument
	}
	return rt, nil
}
