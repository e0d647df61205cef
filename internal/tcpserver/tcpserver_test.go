// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpserver

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtscada/scada-server/internal/auth"
	"github.com/rtscada/scada-server/internal/calc"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/current"
	"github.com/rtscada/scada-server/internal/evaluator"
	"github.com/rtscada/scada-server/internal/eventwriter"
	"github.com/rtscada/scada-server/internal/snapcache"
	"github.com/rtscada/scada-server/internal/snapcodec"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	inCnls := []*channel.InCnl{
		{CnlNum: 7, Type: channel.CnlTypeTS, LimLow: channel.NaN, LimHigh: channel.NaN, LimLowCrash: channel.NaN, LimHighCrash: channel.NaN},
	}
	calcr, err := calc.Compile(inCnls, nil, nil)
	require.NoError(t, err)
	cur := current.New()
	buckets := current.NewBuckets()
	writer := &eventwriter.Writer{PrimaryDir: t.TempDir()}
	eval := evaluator.New(inCnls, nil, calcr, cur, buckets, writer)

	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	store := auth.NewStore([]auth.Credentials{
		{UserName: "op", PasswordHash: hash, Role: auth.Application},
	})

	return New(Config{AppVerLo: 1, AppVerHi: 2}, store, eval, nil, nil, map[uint16]*channel.CtrlCnl{}, calcr, nil)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bufReadWriter
	require.NoError(t, writeFrame(&buf, cmdPing, []byte{0x00}))

	r := bufio.NewReader(&buf)
	fr, err := readFrame(r, nil)
	require.NoError(t, err)
	require.Equal(t, byte(cmdPing), fr.cmd)
	require.Equal(t, []byte{0x00}, fr.payload)
}

// bufReadWriter is a minimal io.ReadWriter backed by a growable slice,
// used instead of a real socket to exercise frame encode/decode in
// isolation.
type bufReadWriter struct {
	data []byte
	off  int
}

func (b *bufReadWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bufReadWriter) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, bufEOF{}
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

type bufEOF struct{}

func (bufEOF) Error() string { return "EOF" }

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	s := newTestServer(t)
	sess := &session{role: auth.Disabled}

	w := &responseWriter{}
	w.u8(4)
	w.bytes([]byte("nobody"))
	w.u8(2)
	w.bytes([]byte("pw"))

	status, resp := s.handleAuthenticate(sess, w.buf)
	require.Equal(t, byte(statusForbidden), status)
	require.False(t, sess.authenticated)
	require.Equal(t, []byte{byte(auth.Disabled)}, resp)
}

func TestAuthenticateAcceptsKnownUser(t *testing.T) {
	s := newTestServer(t)
	sess := &session{role: auth.Disabled}

	w := &responseWriter{}
	w.u8(2)
	w.bytes([]byte("op"))
	w.u8(6)
	w.bytes([]byte("secret"))

	status, resp := s.handleAuthenticate(sess, w.buf)
	require.Equal(t, byte(statusOK), status)
	require.True(t, sess.authenticated)
	require.Equal(t, auth.Application, sess.role)
	require.Equal(t, []byte{byte(auth.Application)}, resp)
}

func TestWriteCurrentRequiresApplicationRole(t *testing.T) {
	s := newTestServer(t)
	sess := &session{authenticated: true, role: auth.Guest}

	status, _ := s.handleWriteCurrent(sess, nil)
	require.Equal(t, byte(statusForbidden), status)
}

func TestWriteCurrentAppliesToCurrentState(t *testing.T) {
	s := newTestServer(t)
	sess := &session{authenticated: true, role: auth.Application}

	w := &responseWriter{}
	w.u16(1)
	w.u32(7)
	w.f64(12.5)
	w.u16(uint16(channel.StatDefined))

	status, _ := s.handleWriteCurrent(sess, w.buf)
	require.Equal(t, byte(statusOK), status)

	d := s.eval.Cur.Get(7)
	require.Equal(t, 12.5, d.Val)
	require.Equal(t, channel.StatDefined, d.Stat)
}

func TestWriteArchiveDualWritesMinuteAndHourOnBoundary(t *testing.T) {
	s := newTestServer(t)
	s.minCache = snapcache.New(snapcache.Minute, t.TempDir(), "")
	s.hourCache = snapcache.New(snapcache.Hour, t.TempDir(), "")
	sess := &session{authenticated: true, role: auth.Application}

	ts := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) // exact hour boundary
	w := &responseWriter{}
	w.f64(snapcodec.EncodeTimestamp(ts))
	w.u16(1)
	w.u32(7)
	w.f64(3.5)
	w.u16(uint16(channel.StatDefined))

	status, _ := s.handleWriteArchive(sess, w.buf)
	require.Equal(t, byte(statusOK), status)

	minEntry := s.minCache.GetOrLoad(ts)
	require.NoError(t, minEntry.Fill())
	require.NotNil(t, minEntry.Table.Find(snapcodec.EncodeTimestamp(ts)))

	hourEntry := s.hourCache.GetOrLoad(ts)
	require.NoError(t, hourEntry.Fill())
	require.NotNil(t, hourEntry.Table.Find(snapcodec.EncodeTimestamp(ts)))
}

func TestWriteArchiveOffBoundaryOnlyWritesMinute(t *testing.T) {
	s := newTestServer(t)
	s.minCache = snapcache.New(snapcache.Minute, t.TempDir(), "")
	s.hourCache = snapcache.New(snapcache.Hour, t.TempDir(), "")
	sess := &session{authenticated: true, role: auth.Application}

	ts := time.Date(2026, 7, 31, 10, 5, 0, 0, time.UTC) // minute-aligned, not hour-aligned
	w := &responseWriter{}
	w.f64(snapcodec.EncodeTimestamp(ts))
	w.u16(1)
	w.u32(7)
	w.f64(3.5)
	w.u16(uint16(channel.StatDefined))

	status, _ := s.handleWriteArchive(sess, w.buf)
	require.Equal(t, byte(statusOK), status)

	minEntry := s.minCache.GetOrLoad(ts)
	require.NoError(t, minEntry.Fill())
	require.NotNil(t, minEntry.Table.Find(snapcodec.EncodeTimestamp(ts)))

	hourEntry := s.hourCache.GetOrLoad(ts)
	require.NoError(t, hourEntry.Fill())
	require.Empty(t, hourEntry.Table.Rows)
}

func TestFileSeekReturnsResultingPosition(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	sess := &session{openFile: f}

	w := &responseWriter{}
	w.u8(0) // io.SeekStart
	w.u32(4)
	status, resp := s.handleFileSeek(sess, w.buf)
	require.Equal(t, byte(statusOK), status)

	r := newPayloadReader(resp)
	pos, err := r.u32()
	require.NoError(t, err)
	require.Equal(t, uint32(4), pos)
}

func TestPollCommandEmptyQueue(t *testing.T) {
	s := newTestServer(t)
	sess := newSession(discardConn{})

	status, resp := s.handlePollCommand(sess)
	require.Equal(t, byte(statusOK), status)
	require.Equal(t, []byte{0}, resp)
}

func TestPollCommandReturnsQueuedEntry(t *testing.T) {
	s := newTestServer(t)
	sess := newSession(discardConn{})
	sess.enqueue(queuedCommand{kpNum: 3, cmdType: 1, cmdNum: 9, data: []byte{1, 2}, queuedAt: time.Now()})

	status, resp := s.handlePollCommand(sess)
	require.Equal(t, byte(statusOK), status)
	require.Equal(t, byte(1), resp[0], "has-command flag must be set")
}

func TestSessionIdleAndQueueGC(t *testing.T) {
	sess := newSession(discardConn{})
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	sess.touch(base)

	require.Equal(t, time.Duration(0), sess.idleFor(base))
	require.Equal(t, 90*time.Second, sess.idleFor(base.Add(90*time.Second)))

	sess.enqueue(queuedCommand{cmdNum: 1, queuedAt: base})
	sess.enqueue(queuedCommand{cmdNum: 2, queuedAt: base.Add(50 * time.Second)})
	sess.dequeueExpired(base.Add(61*time.Second), 60*time.Second)
	require.Len(t, sess.commandQueue, 1)
	cmd, ok := sess.popCommand()
	require.True(t, ok)
	require.Equal(t, uint16(2), cmd.cmdNum)
}

// discardConn is a no-op net.Conn for tests that only touch session
// bookkeeping, never the wire.
type discardConn struct{ net.Conn }

func (discardConn) Close() error               { return nil }
func (discardConn) Read(b []byte) (int, error)  { return 0, bufEOF{} }
func (discardConn) Write(b []byte) (int, error) { return len(b), nil }
func (discardConn) RemoteAddr() net.Addr        { return dummyAddr{} }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "tcp" }
func (dummyAddr) String() string  { return "test" }
