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

package bytebuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	s := Render(func(b *ByteBuffer) {
		_, _ = b.WriteString("cq{")
		_, _ = b.WriteString("capacity=8")
		_ = b.WriteByte('}')
	})
	assert.Equal(t, "cq{capacity=8}", s)
	assert.Empty(t, Render(func(*ByteBuffer) {}))
}

func TestPutNil(t *testing.T) {
	assert.NotPanics(t, func() { Put(nil) })
}
