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

import (
	"net"

	"github.com/gnet-io/rio/pkg/cq"
	"github.com/gnet-io/rio/pkg/kernel"
	"github.com/gnet-io/rio/pkg/logging"
	"github.com/gnet-io/rio/pkg/math"
	"github.com/gnet-io/rio/pkg/port"
)

const (
	// DefaultQueueSize is the number of operations a stream reserves per
	// direction unless told otherwise.
	DefaultQueueSize = 1024

	// DefaultBatchSize is the number of port packets an event-loop drains at once.
	DefaultBatchSize = 128
)

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	if opts.Provider == nil {
		opts.Provider = kernel.Default()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultQueueSize
	}
	if opts.RecvQueueSize <= 0 {
		opts.RecvQueueSize = DefaultQueueSize
	}
	if opts.CompletionQueueSize <= 0 {
		opts.CompletionQueueSize = math.Clamp(max(opts.SendQueueSize, opts.RecvQueueSize), cq.DefaultSize, cq.MaxSize)
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return opts
}

// Options are configurations for streams and event-loops.
type Options struct {
	// Provider is the kernel facility streams are built on, it defaults to
	// kernel.Default().
	Provider kernel.Provider

	// SendQueueSize is the number of write operations a stream reserves on its
	// send completion queue.
	SendQueueSize int

	// RecvQueueSize is the number of read operations a stream reserves on its
	// receive completion queue.
	RecvQueueSize int

	// CompletionQueueSize is the capacity of each completion queue a stream
	// creates, it defaults to the larger of cq.DefaultSize and the two
	// reservations.
	CompletionQueueSize int

	// Port is a completion port shared by several streams. Streams get fresh
	// correlation keys on it instead of creating a port of their own.
	Port *port.Port

	// Resolver looks up host and port when connecting.
	Resolver *net.Resolver

	// LockOSThread is used to determine whether the event-loop is locked to
	// its OS thread while running.
	LockOSThread bool

	// BatchSize is the maximum number of port packets drained per round by an
	// event-loop.
	BatchSize int

	// LogPath is the local path where logs will be written, this is the easiest
	// way to set up logging, rio instantiates a default uber-go/zap logger with
	// this given log path, you are also allowed to employ your own logger during
	// the lifetime by implementing the following logging.Logger interface.
	//
	// Note that this option can be overridden by the option Logger.
	LogPath string

	// LogLevel indicates the logging level, it should be used along with LogPath.
	LogLevel logging.Level

	// Logger is the customized logger for logging info, if it is not set,
	// then rio will use the default logger powered by go.uber.org/zap.
	//
	// A logger given through Logger or LogPath replaces the default logger of
	// the logging package, so the queues and sockets log through it as well.
	Logger logging.Logger

	flush logging.Flusher
}

// setupLogger resolves the logger of opts and installs it as the default one
// when it was configured explicitly.
func setupLogger(opts *Options) error {
	switch {
	case opts.Logger != nil:
		logging.SetDefaultLoggerAndFlusher(opts.Logger, nil)
	case opts.LogPath != "":
		logger, flush, err := logging.CreateLoggerAsLocalFile(opts.LogPath, opts.LogLevel)
		if err != nil {
			return err
		}
		opts.Logger, opts.flush = logger, flush
		logging.SetDefaultLoggerAndFlusher(logger, flush)
	default:
		opts.Logger = logging.GetDefaultLogger()
	}
	return nil
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithProvider sets up the kernel facility.
func WithProvider(p kernel.Provider) Option {
	return func(opts *Options) {
		opts.Provider = p
	}
}

// WithSendQueueSize sets up the number of write operations reserved per stream.
func WithSendQueueSize(n int) Option {
	return func(opts *Options) {
		opts.SendQueueSize = n
	}
}

// WithRecvQueueSize sets up the number of read operations reserved per stream.
func WithRecvQueueSize(n int) Option {
	return func(opts *Options) {
		opts.RecvQueueSize = n
	}
}

// WithCompletionQueueSize sets up the capacity of the completion queues.
func WithCompletionQueueSize(n int) Option {
	return func(opts *Options) {
		opts.CompletionQueueSize = n
	}
}

// WithPort makes streams share pt.
func WithPort(pt *port.Port) Option {
	return func(opts *Options) {
		opts.Port = pt
	}
}

// WithResolver sets up the resolver used by Connect.
func WithResolver(r *net.Resolver) Option {
	return func(opts *Options) {
		opts.Resolver = r
	}
}

// WithLockOSThread sets up LockOSThread mode for the event-loop.
func WithLockOSThread(lockOSThread bool) Option {
	return func(opts *Options) {
		opts.LockOSThread = lockOSThread
	}
}

// WithBatchSize sets up the number of packets drained per event-loop round.
func WithBatchSize(n int) Option {
	return func(opts *Options) {
		opts.BatchSize = n
	}
}

// WithLogPath is an option to set up the local path of log file.
func WithLogPath(fileName string) Option {
	return func(opts *Options) {
		opts.LogPath = fileName
	}
}

// WithLogLevel is an option to set up the logging level.
func WithLogLevel(lvl logging.Level) Option {
	return func(opts *Options) {
		opts.LogLevel = lvl
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}
