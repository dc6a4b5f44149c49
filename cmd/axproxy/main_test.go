package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	axproxy "github.com/ecnx/axproxy"
)

func TestParseBindValid(t *testing.T) {
	addr, port, err := parseBind("127.0.0.1:1080")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", addr)
	require.Equal(t, uint16(1080), port)
}

func TestParseBindRejectsIPv6(t *testing.T) {
	_, _, err := parseBind("[::1]:1080")
	require.Error(t, err)
}

func TestParseBindRejectsBadPort(t *testing.T) {
	_, _, err := parseBind("127.0.0.1:not-a-port")
	require.Error(t, err)
}

func TestParseBindRejectsMissingPort(t *testing.T) {
	_, _, err := parseBind("127.0.0.1")
	require.Error(t, err)
}

func TestRunSupervisedDisabledRunsOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := runSupervised(ctx, axproxy.Options{BindAddr: "127.0.0.1", BindPort: 0}, 0)
	require.NoError(t, err)
}

func TestRunSupervisedRetriesOnError(t *testing.T) {
	// Port 1 requires privileges we don't have, so axproxy.Run fails
	// fast on every cycle. runSupervised must keep retrying (sleep,
	// loop again) rather than returning the first failure, and only
	// stop once ctx itself is done.
	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := runSupervised(ctx, axproxy.Options{BindAddr: "127.0.0.1", BindPort: 1}, 1)
	require.NoError(t, err, "runSupervised should return nil once ctx is done, not the last retry's error")
	require.GreaterOrEqual(t, time.Since(start), 1*time.Second, "should have retried at least once before ctx expired")
}
