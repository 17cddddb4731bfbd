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

//go:build !windows
// +build !windows

package kernel

import "sync"

var (
	defaultOnce     sync.Once
	defaultProvider Provider
)

// Default returns the process-wide emulated provider, registered I/O has no
// native counterpart outside windows.
func Default() Provider {
	defaultOnce.Do(func() {
		defaultProvider = NewEmulator()
	})
	return defaultProvider
}
