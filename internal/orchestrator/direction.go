package orchestrator

import (
	"sync/atomic"

	"github.com/anvil-labs/trafficgen/internal/model"
)

// directionFor builds the ioengine.Direction closure for one connection's
// configured pattern (spec.md §6's byte-exchange sequence). bufferSize
// bounds a single task; maxTransfer is needed up front so PushPull can
// tell which half of the transfer it is currently in from GetRemainingTransfer
// alone.
func directionFor(pattern model.IOPattern, isServer bool, bufferSize int, maxTransfer uint64) func(remaining uint64) (model.TaskAction, int) {
	half := maxTransfer / 2
	var toggle int32 // Duplex/MediaStream: alternates issued action each call

	return func(remaining uint64) (model.TaskAction, int) {
		if remaining == 0 {
			return model.ActionNone, 0
		}
		size := bufferSize
		if uint64(size) > remaining {
			size = int(remaining)
		}

		switch pattern {
		case model.Push:
			if isServer {
				return model.ActionRecv, size
			}
			return model.ActionSend, size

		case model.Pull:
			if isServer {
				return model.ActionSend, size
			}
			return model.ActionRecv, size

		case model.PushPull:
			// First half: client sends, server receives. Second half:
			// server sends, client receives.
			inFirstHalf := remaining > half
			clientSends := inFirstHalf
			if isServer {
				if clientSends {
					return model.ActionRecv, size
				}
				return model.ActionSend, size
			}
			if clientSends {
				return model.ActionSend, size
			}
			return model.ActionRecv, size

		case model.Duplex, model.MediaStream:
			// "Concurrent both directions" has no single-action
			// equivalent in this engine's one-action-per-call Direction
			// contract; alternating the requested action every call,
			// combined with pipelined mode's independent send/recv
			// pre-post caps, keeps both directions' pipelines populated
			// concurrently rather than serializing send-then-recv.
			n := atomic.AddInt32(&toggle, 1)
			if n%2 == 0 {
				return model.ActionSend, size
			}
			return model.ActionRecv, size

		default:
			return model.ActionNone, 0
		}
	}
}
