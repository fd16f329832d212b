package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func TestServer(t *testing.T) {
	const limit = 1024

	mesh, err := mocknet.FullMeshConnected(3)
	require.NoError(t, err)
	proto := "test"
	request := []byte("test request")
	testErr := errors.New("test error")

	handler := func(_ context.Context, pid peer.ID, msg []byte) ([]byte, error) {
		return append(msg, []byte(pid)...), nil
	}
	errhandler := func(_ context.Context, _ peer.ID, _ []byte) ([]byte, error) {
		return nil, testErr
	}
	opts := []Opt{
		WithTimeout(100 * time.Millisecond),
		WithLog(zaptest.NewLogger(t)),
		WithMetrics(),
	}
	client := New(
		mesh.Hosts()[0],
		proto,
		handler,
		append(opts, WithRequestSizeLimit(2*limit))...,
	)
	srv1 := New(
		mesh.Hosts()[1],
		proto,
		handler,
		append(opts, WithRequestSizeLimit(limit))...,
	)
	srv2 := New(
		mesh.Hosts()[2],
		proto,
		errhandler,
		append(opts, WithRequestSizeLimit(limit))...,
	)
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error {
		return srv1.Run(ctx)
	})
	eg.Go(func() error {
		return srv2.Run(ctx)
	})
	require.Eventually(t, func() bool {
		for _, h := range mesh.Hosts()[1:] {
			if len(h.Mux().Protocols()) == 0 {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		eg.Wait()
	})

	t.Run("ReceiveMessage", func(t *testing.T) {
		response, err := client.Request(ctx, mesh.Hosts()[1].ID(), request)
		require.NoError(t, err)
		expResponse := append(request, []byte(mesh.Hosts()[0].ID())...)
		require.Equal(t, expResponse, response)
	})
	t.Run("ReceiveError", func(t *testing.T) {
		_, err := client.Request(ctx, mesh.Hosts()[2].ID(), request)
		var srvErr *ServerError
		require.ErrorAs(t, err, &srvErr)
		require.ErrorContains(t, err, "peer error")
		require.ErrorContains(t, err, testErr.Error())
	})
	t.Run("NotConnected", func(t *testing.T) {
		_, err := client.Request(ctx, "unknown", request)
		require.ErrorIs(t, err, ErrNotConnected)
	})
	t.Run("LimitOverflow", func(t *testing.T) {
		_, err := client.Request(
			ctx,
			mesh.Hosts()[2].ID(),
			make([]byte, 2*limit+1),
		)
		require.Error(t, err)
	})
}
