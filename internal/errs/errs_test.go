package errs

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapConfigKeepsCause(t *testing.T) {
	err := WrapConfig(fs.ErrNotExist, "load %s", "train.toml")
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.False(t, errors.Is(err, ErrResource))
	assert.Equal(t, "configuration error: load train.toml: file does not exist", err.Error())

	assert.Equal(t, "configuration error: file does not exist", WrapConfig(fs.ErrNotExist, "").Error())
	assert.NoError(t, WrapConfig(nil, "unused"))
}

func TestSentinelConstructors(t *testing.T) {
	assert.ErrorIs(t, Config("bad %d", 1), ErrConfig)
	assert.ErrorIs(t, Resource("no gpu"), ErrResource)
	assert.Contains(t, Config("bad %d", 1).Error(), "bad 1")
}
