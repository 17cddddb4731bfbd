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

package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLoggerAsLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rio.log")
	logger, flush, err := CreateLoggerAsLocalFile(path, InfoLevel)
	require.NoError(t, err)
	assert.FileExists(t, path)

	again, _, err := CreateLoggerAsLocalFile(path, DebugLevel)
	require.NoError(t, err)
	assert.Same(t, logger, again)

	logger.Debugf("below the level of the first logger")
	logger.Warnf("rotating file %s", "works")
	require.NoError(t, flush())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[rio] ")
	assert.Contains(t, string(data), "rotating file works")
	assert.NotContains(t, string(data), "below the level")

	_, _, err = CreateLoggerAsLocalFile("", InfoLevel)
	assert.Error(t, err)

	notDir := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(notDir, nil, 0o644))
	_, _, err = CreateLoggerAsLocalFile(filepath.Join(notDir, "rio.log"), InfoLevel)
	assert.Error(t, err)
}

func TestSetDefaultLoggerAndFlusher(t *testing.T) {
	logger, flusher := GetDefaultLogger(), GetDefaultFlusher()
	defer SetDefaultLoggerAndFlusher(logger, flusher)

	path := filepath.Join(t.TempDir(), "default.log")
	first, _, err := CreateLoggerAsLocalFile(path, InfoLevel)
	require.NoError(t, err)

	flushed := 0
	SetDefaultLoggerAndFlusher(first, func() error {
		flushed++
		return nil
	})
	assert.Same(t, first, GetDefaultLogger())

	second, _, err := CreateLoggerAsLocalFile(filepath.Join(t.TempDir(), "other.log"), InfoLevel)
	require.NoError(t, err)
	SetDefaultLoggerAndFlusher(second, nil)
	assert.Same(t, second, GetDefaultLogger())
	assert.Equal(t, 1, flushed, "the replaced logger is flushed")

	SetDefaultLoggerAndFlusher(nil, nil)
	assert.Same(t, second, GetDefaultLogger())
	Cleanup()
}
