package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"408", &StatusError{StatusCode: 408}, true},
		{"429", &StatusError{StatusCode: 429}, true},
		{"500", &StatusError{StatusCode: 500}, true},
		{"502", &StatusError{StatusCode: 502}, true},
		{"503", &StatusError{StatusCode: 503}, true},
		{"504", &StatusError{StatusCode: 504}, true},
		{"wrapped 503", fmt.Errorf("send: %w", &StatusError{StatusCode: 503}), true},
		{"400", &StatusError{StatusCode: 400}, false},
		{"401", &StatusError{StatusCode: 401}, false},
		{"404", &StatusError{StatusCode: 404}, false},
		{"422", &StatusError{StatusCode: 422}, false},
		{"501", &StatusError{StatusCode: 501}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, true},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"net timeout", timeoutErr{}, true},
		{"transient", fmt.Errorf("%w: broker busy", domain.ErrTransient), true},
		{"breaker open", fmt.Errorf("x: %w", domain.ErrBreakerOpen), false},
		{"invalid destination", ErrInvalidDestination, false},
		{"unknown", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "provider responded 503 Service Unavailable", (&StatusError{StatusCode: 503}).Error())
	assert.Equal(t, "provider responded 400 Bad Request: bad phone", (&StatusError{StatusCode: 400, Body: "bad phone"}).Error())
}
