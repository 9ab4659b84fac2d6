package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbortWithMarkerWriteWrapsCauseOnly(t *testing.T) {
	cause := errors.New("checksum download failed")
	err := abortWithMarkerWrite("ensuring checksum manifest", cause, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ensuring checksum manifest")
	assert.NotContains(t, err.Error(), "state marker")
}

func TestAbortWithMarkerWriteFoldsInMarkerFailure(t *testing.T) {
	cause := errors.New("checksum download failed")
	markErr := errors.New("marker sidecar directory missing")
	err := abortWithMarkerWrite("ensuring checksum manifest", cause, markErr)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "marker sidecar directory missing")
}
