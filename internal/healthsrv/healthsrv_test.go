// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package healthsrv

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeScheduler struct{ age time.Duration }

func (f fakeScheduler) Heartbeat() time.Duration { return f.age }

type fakeSessions struct{ n int }

func (f fakeSessions) SessionCount() int { return f.n }

func TestDisabledServerStartIsNoop(t *testing.T) {
	s := New(Config{}, fakeScheduler{}, fakeSessions{})
	require.NoError(t, s.Start())
	require.Nil(t, s.httpSrv)
}

func TestNonLoopbackAddrRejected(t *testing.T) {
	s := New(Config{ListenAddr: "0.0.0.0:0"}, fakeScheduler{}, fakeSessions{})
	require.Error(t, s.Start())
}

func TestHealthzReportsOkWhenFresh(t *testing.T) {
	s := New(Config{ListenAddr: "127.0.0.1:0", StaleAfter: time.Second}, fakeScheduler{age: 10 * time.Millisecond}, fakeSessions{n: 3})
	require.NoError(t, s.Start())
	defer s.listener.Close()

	resp, err := http.Get("http://" + s.listener.Addr().String() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"status":"ok"`)
	require.Contains(t, string(body), `"connected_clients":3`)
}

func TestHealthzReportsStaleWhenHeartbeatOld(t *testing.T) {
	s := New(Config{ListenAddr: "127.0.0.1:0", StaleAfter: time.Second}, fakeScheduler{age: 10 * time.Second}, fakeSessions{})
	require.NoError(t, s.Start())
	defer s.listener.Close()

	resp, err := http.Get("http://" + s.listener.Addr().String() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
