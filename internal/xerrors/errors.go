// Package xerrors defines the error kinds carried by the core (spec.md
// §7): transport, protocol, resource and configuration errors. Kinds are
// sentinel-wrapped so callers can classify an error with errors.Is instead
// of string matching or a type switch, following the teacher's own plain
// fmt.Errorf/errors.New style (lib/portpool.go, lib/pconn.go) rather than
// reaching for a third-party errors package the pack never imports.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind sentinels. Wrap one with fmt.Errorf("...: %w", KindTransport) (or
// use New below) to produce a classifiable error.
var (
	KindTransport     = errors.New("transport error")
	KindProtocol      = errors.New("protocol error")
	KindResource      = errors.New("resource error")
	KindConfiguration = errors.New("configuration error")
)

// Protocol-specific reasons, wrapped alongside KindProtocol.
var (
	ReasonTooFewBytes  = errors.New("too few bytes")
	ReasonTooManyBytes = errors.New("too many bytes")
	ReasonBadFrameTag  = errors.New("unknown frame tag")
	ReasonBadMarker    = errors.New("unexpected completion marker size")
)

// Transport-specific reasons, wrapped alongside KindTransport. These three
// are the ones the server's RequestFin state treats as a benign alternative
// to a graceful FIN (spec.md §4.2 update_error, §7): a client in hard
// shutdown mode may reset the connection instead of sending a FIN once it
// has the completion marker.
var (
	ReasonConnReset   = errors.New("connection reset")
	ReasonConnAborted = errors.New("connection aborted")
	ReasonTimeout     = errors.New("connection timed out")
)

// New builds an error of the given kind carrying msg, wrapping both kind
// and (if present) reason so errors.Is works against either.
func New(kind, reason error, msg string) error {
	if reason == nil {
		return fmt.Errorf("%s: %w", msg, kind)
	}
	return fmt.Errorf("%s: %w: %w", msg, reason, kind)
}

// IsTransport, IsProtocol, IsResource, IsConfiguration classify err.
func IsTransport(err error) bool     { return errors.Is(err, KindTransport) }
func IsProtocol(err error) bool      { return errors.Is(err, KindProtocol) }
func IsResource(err error) bool      { return errors.Is(err, KindResource) }
func IsConfiguration(err error) bool { return errors.Is(err, KindConfiguration) }
