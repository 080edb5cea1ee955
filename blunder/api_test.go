// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeAttachment(t *testing.T) {
	err := NewError(OutOfMemoryError, "could not allocate %v pages", 16)
	assert.Equal(t, OutOfMemoryError.Value(), Errno(err))
	assert.True(t, Is(err, OutOfMemoryError))
	assert.True(t, IsNot(err, IOError))
}

func TestAddErrorToPlainError(t *testing.T) {
	plainErr := fmt.Errorf("read failed")
	assert.Equal(t, -1, Errno(plainErr))

	decoratedErr := AddError(plainErr, IOError)
	assert.True(t, Is(decoratedErr, IOError))
	assert.Contains(t, decoratedErr.Error(), "read failed")
}

func TestNilError(t *testing.T) {
	assert.True(t, IsSuccess(nil))
	assert.True(t, Is(nil, SuccessError))
	assert.Equal(t, SuccessError.Value(), Errno(nil))
	assert.Equal(t, "", ErrorString(nil))
}

func TestErrorUpdate(t *testing.T) {
	err := NewError(TryAgainError, "transient")
	updatedErr := ErrorUpdate(err, TryAgainError, IOError)
	assert.True(t, Is(updatedErr, IOError))

	// Mismatched expected value leaves the code alone.
	unchangedErr := ErrorUpdate(updatedErr, TryAgainError, OutOfMemoryError)
	assert.True(t, Is(unchangedErr, IOError))
}

func TestEngineSpecificCodes(t *testing.T) {
	err := NewError(InitError, "RAID config file doesn't exist")
	assert.True(t, Is(err, InitError))
	assert.Equal(t, "InitError", InitError.String())
	assert.Equal(t, "ExpandInProgressError", ExpandInProgressError.String())
}
