// SPDX-License-Identifier: GPL-3.0-or-later

package errclass

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert.Equal(t, "", New(nil))
	assert.Equal(t, ETIMEDOUT, New(context.DeadlineExceeded))
	assert.Equal(t, ECANCELED, New(context.Canceled))
	assert.Equal(t, EGENERIC, New(errors.New("some unclassified error")))
}

func TestNewWrapped(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), context.DeadlineExceeded)
	assert.Equal(t, ETIMEDOUT, New(wrapped))
}
