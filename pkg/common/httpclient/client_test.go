package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSetsTimeout(t *testing.T) {
	c := New(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.Timeout)
	assert.NotNil(t, c.Transport)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, IsRetriable(errors.New("bad file id")))
}

func TestIsRetriableStatus(t *testing.T) {
	assert.True(t, IsRetriableStatus(http.StatusServiceUnavailable))
	assert.False(t, IsRetriableStatus(http.StatusNotFound))
}
