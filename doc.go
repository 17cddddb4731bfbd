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

/*
Package rio implements zero-copy TCP streams on top of registered I/O.

Applications register memory once (pkg/buffer/registered), lease slices of it
and hand those slices to the kernel for reads and writes. Completions are
reported through completion queues (pkg/cq) bound to a socket by a request
queue (pkg/rq) and signalled through completion ports (pkg/port).

On windows the native registered I/O extension is used; elsewhere an in-process
provider with the same contract stands in for it.

A single stream is driven by its owner:

	s, err := rio.Connect("127.0.0.1:9000")
	if err != nil {
		return err
	}
	defer s.Close()

	buf, _ := registered.NewDefault(kernel.Default())
	out, _ := buf.Allocate(5)
	copy(out.Bytes(), "hello")
	if err = s.SubmitWrite(out); err != nil {
		return err
	}
	c, err := s.AwaitWriteAndGet()

Many streams are better drained by an EventLoop, which waits on one shared
port and fires the EventHandler callbacks on a single goroutine.
*/
package rio
