package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindConnect, "dial %s: refused", "wss://example.com")
	assert.Equal(t, KindConnect, KindOf(err))
	assert.Contains(t, err.Error(), "connect")
	assert.Contains(t, err.Error(), "wss://example.com")

	assert.Equal(t, Kind(""), KindOf(errors.New("untagged")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindRateLimit, "too many requests")
	outer := fmt.Errorf("fetch page: %w", inner)
	assert.Equal(t, KindRateLimit, KindOf(outer))
}

func TestWrapNil(t *testing.T) {
	require.Nil(t, Wrap(KindBus, nil))
}

func TestUnwrap(t *testing.T) {
	sentinel := errors.New("boom")
	err := Wrap(KindState, sentinel)
	assert.True(t, errors.Is(err, sentinel))
}

func TestFatalAndRetryablePartition(t *testing.T) {
	fatal := []Kind{KindConfig, KindSerialization, KindState}
	retryable := []Kind{KindConnect, KindRateLimit, KindBus}

	for _, k := range fatal {
		err := New(k, "x")
		assert.True(t, IsFatal(err), k)
		assert.False(t, Retryable(err), k)
	}
	for _, k := range retryable {
		err := New(k, "x")
		assert.False(t, IsFatal(err), k)
		assert.True(t, Retryable(err), k)
	}

	// Protocol errors are neither: the record is dropped, the stream lives.
	err := New(KindProtocol, "bad payload")
	assert.False(t, IsFatal(err))
	assert.False(t, Retryable(err))
}
