package util

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func doPanic(val any) (err error) {
	defer RecoverError(&err)
	panic(val)
}

func TestRecoverError(t *testing.T) {
	err := doPanic("boom")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")
	assert.True(t, IsPanic(err))

	err = doPanic(fmt.Errorf("wrapped"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "wrapped")
}
