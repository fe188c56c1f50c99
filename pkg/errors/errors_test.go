package errors_test

import (
	goerrors "errors"
	"testing"

	"github.com/m-mizutani/intelbatch/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBase = goerrors.New("base")

func TestWrapKeepsValues(t *testing.T) {
	e1 := errors.New("first").With("color", "blue")
	e2 := errors.Wrap(e1, "second").With("number", 5)

	assert.Equal(t, "second: first", e2.Error())
	assert.Equal(t, "blue", e2.Values["color"])
	assert.Equal(t, 5, e2.Values["number"])
	assert.NotEmpty(t, e2.StackTrace())
}

func TestWrapSupportsIs(t *testing.T) {
	err := errors.Wrap(errBase, "outer").With("k", "v")
	require.True(t, goerrors.Is(err, errBase))

	var e *errors.Error
	require.True(t, goerrors.As(err, &e))
	assert.Equal(t, "v", e.Values["k"])
}

func TestWrapWithoutMessage(t *testing.T) {
	err := errors.Wrap(errBase)
	assert.Equal(t, "base", err.Error())
}
