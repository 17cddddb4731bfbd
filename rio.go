// Copyright (c) 2025 The Rio Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rio

// Action is an action that occurs after the completion of an event.
type Action int

const (
	// None indicates that no action should occur following an event.
	None Action = iota

	// Close closes the stream.
	Close

	// Shutdown shutdowns the event-loop.
	Shutdown
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case Close:
		return "close"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type (
	// EventHandler represents the callbacks an event-loop fires for the
	// streams dialed through it. Each event has an Action return value that is
	// used to manage the state of the stream and the event-loop.
	EventHandler interface {
		// OnRead fires when a read submitted on s completed. The slice of c is
		// owned by the handler again and may be resubmitted right away.
		OnRead(s *Stream, c Completion) (action Action)

		// OnWrite fires when a write submitted on s completed.
		OnWrite(s *Stream, c Completion) (action Action)

		// OnClose fires after s was closed by the event-loop, either because a
		// callback returned Close or because the event-loop stopped.
		OnClose(s *Stream)
	}

	// BuiltinEventHandler is a built-in implementation of EventHandler which sets up each method with a default
	// implementation, you can compose it with your own implementation of EventHandler when you don't want to
	// implement all methods in EventHandler.
	BuiltinEventHandler struct{}
)

// OnRead fires when a read submitted on s completed.
func (*BuiltinEventHandler) OnRead(_ *Stream, _ Completion) (action Action) {
	return
}

// OnWrite fires when a write submitted on s completed.
func (*BuiltinEventHandler) OnWrite(_ *Stream, _ Completion) (action Action) {
	return
}

// OnClose fires after s was closed by the event-loop.
func (*BuiltinEventHandler) OnClose(_ *Stream) {
}
