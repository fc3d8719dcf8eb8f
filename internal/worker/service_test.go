package worker

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/soheilhy/cmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestIsShutdownErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"http server closed", http.ErrServerClosed, true},
		{"grpc server stopped", grpc.ErrServerStopped, true},
		{"net closed", net.ErrClosed, true},
		{"cmux listener closed", cmux.ErrListenerClosed, true},
		{"cmux server closed", cmux.ErrServerClosed, true},
		{"wrapped server closed", fmt.Errorf("serve: %w", http.ErrServerClosed), true},
		{"real failure", errors.New("bind: address already in use"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isShutdownErr(tt.err))
		})
	}
}

func TestGetInitError(t *testing.T) {
	svc := testService(t)
	assert.NoError(t, svc.GetInitError())

	svc.setInitError(errors.New("migration failed"))
	require.Error(t, svc.GetInitError())
	assert.Contains(t, svc.GetInitError().Error(), "migration failed")
}

func TestWaitReady_TimesOut(t *testing.T) {
	svc := testService(t)
	svc.ready.Store(false)

	err := svc.WaitReady(120 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestWaitReady_UnblocksOnReady(t *testing.T) {
	svc := testService(t)
	svc.ready.Store(false)

	go func() {
		time.Sleep(80 * time.Millisecond)
		svc.ready.Store(true)
	}()

	assert.NoError(t, svc.WaitReady(2*time.Second))
}
