package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"kinded", New(NotFound, "get issue", errors.New("gone")), NotFound},
		{"wrapped kinded", fmt.Errorf("outer: %w", New(Unauthorized, "list", errors.New("401"))), Unauthorized},
		{"plain error defaults transient", errors.New("boom"), Transient},
		{"context canceled", context.Canceled, Fatal},
		{"deadline exceeded", context.DeadlineExceeded, Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(Transient, "x", errors.New("503"))))
	assert.True(t, IsRetryable(New(RateLimited, "x", errors.New("429"))))
	assert.False(t, IsRetryable(New(Validation, "x", errors.New("bad"))))
	assert.False(t, IsRetryable(New(NotFound, "x", errors.New("404"))))
	assert.False(t, IsRetryable(New(Unauthorized, "x", errors.New("403"))))
	assert.False(t, IsRetryable(New(Fatal, "x", errors.New("bug"))))
	assert.False(t, IsRetryable(New(Integrity, "x", errors.New("constraint"))))
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{404, NotFound},
		{401, Unauthorized},
		{403, Unauthorized},
		{429, RateLimited},
		{409, Conflict},
		{500, Transient},
		{502, Transient},
		{400, Validation},
		{422, Validation},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := FromHTTPStatus("op", tt.status, "body")
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestFromHTTPStatusTruncatesBody(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	err := FromHTTPStatus("op", 500, string(long))
	assert.Less(t, len(err.Error()), 400)
}

func TestErrorMessage(t *testing.T) {
	err := New(NotFound, "get issue PROJ-1", errors.New("404"))
	assert.Contains(t, err.Error(), "not_found")
	assert.Contains(t, err.Error(), "get issue PROJ-1")
}
