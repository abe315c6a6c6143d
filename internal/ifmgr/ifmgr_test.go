package ifmgr

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/apmux/internal/clock"
	"grimm.is/apmux/internal/connmgr"
	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/logging"
	"grimm.is/apmux/internal/metrics"
	"grimm.is/apmux/internal/network"
	"grimm.is/apmux/internal/protocol"
	"grimm.is/apmux/internal/transport"
	"grimm.is/apmux/internal/transport/transporttest"
)

type station struct {
	name string

	mu     sync.Mutex
	events []protocol.Event
	fail   error
}

func (s *station) Name() string { return s.name }

func (s *station) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	f, err := protocol.ReadFrame(bytes.NewReader(b))
	if err != nil {
		return err
	}
	ev, err := protocol.DecodeEvent(f.Header, f.Payload)
	if err != nil {
		return err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *station) received(opcode string) []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Event
	for _, ev := range s.events {
		if ev.Opcode == opcode {
			out = append(out, ev)
		}
	}
	return out
}

type hookCall struct{ ifname, opcode, msg string }

type recordingHook struct {
	mu    sync.Mutex
	calls []hookCall
}

func (h *recordingHook) HandleEvent(ifname, opcode, msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hookCall{ifname, opcode, msg})
	return nil
}

func (h *recordingHook) all() []hookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hookCall(nil), h.calls...)
}

func quiet() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

type fixture struct {
	m    *Manager
	conn *connmgr.Manager
	hd   *transporttest.HostapDialer
	dd   *transporttest.DriverDialer
	hook *recordingHook
	hub  *events.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		hd:   transporttest.NewHostapDialer(),
		dd:   transporttest.NewDriverDialer(nil),
		hook: &recordingHook{},
		hub:  events.NewHub(),
	}
	f.conn = connmgr.New(f.hd, f.dd, connmgr.Config{
		PingInterval:     time.Hour,
		RecoveryInterval: time.Hour,
		PollTimeout:      20 * time.Millisecond,
		ReplyTimeout:     200 * time.Millisecond,
		Logger:           quiet(),
	})
	f.m = New(f.conn, Config{
		Logger: quiet(),
		Hub:    f.hub,
		Hook:   f.hook,
		Links:  network.NewDryRunNetlinker(),
	})
	t.Cleanup(func() {
		f.m.Close(context.Background())
		f.conn.Close()
	})
	return f
}

func opcodes(t *testing.T, ops ...string) []byte {
	t.Helper()
	b, err := protocol.EncodeOpcodes(ops)
	require.NoError(t, err)
	return b
}

func statusOf(t *testing.T, m *Manager, name string) InterfaceStatus {
	t.Helper()
	for _, s := range m.Status() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no status for %s", name)
	return InterfaceStatus{}
}

func TestRegister_AttachesOnRequest(t *testing.T) {
	f := newFixture(t)
	f.hd.SetStatus("wlan0", "wlan0.0", "wlan0.1")
	st := &station{name: "client-1"}

	require.NoError(t, f.m.Register(context.Background(), st, protocol.IfHostap, "wlan0", opcodes(t, "AP-ENABLED")))

	assert.Equal(t, 1, f.hd.Attaches("wlan0"))
	connected := st.received(events.OpConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, "wlan0", connected[0].Name)
	assert.Equal(t, "vaps= wlan0.0 wlan0.1", string(connected[0].Msg))

	s := statusOf(t, f.m, "wlan0")
	assert.Equal(t, "connected", s.State)
	assert.Equal(t, 1, s.Subscribers)
	assert.True(t, s.OnRequest)
	assert.GreaterOrEqual(t, s.Index, 0)

	// The hook saw the connected event with the VAP list.
	calls := f.hook.all()
	require.NotEmpty(t, calls)
	assert.Equal(t, hookCall{"wlan0", events.OpConnected, "vaps= wlan0.0 wlan0.1"}, calls[0])

	// A second subscriber does not attach again.
	other := &station{name: "client-2"}
	require.NoError(t, f.m.Register(context.Background(), other, protocol.IfHostap, "wlan0", opcodes(t, "AP-ENABLED")))
	assert.Equal(t, 1, f.hd.Attaches("wlan0"))
}

func TestDispatch_FanOutFromListener(t *testing.T) {
	f := newFixture(t)
	a := &station{name: "a"}
	b := &station{name: "b"}
	ctx := context.Background()
	require.NoError(t, f.m.Register(ctx, a, protocol.IfHostap, "wlan0", opcodes(t, "AP-ENABLED")))
	require.NoError(t, f.m.Register(ctx, b, protocol.IfHostap, "wlan0", opcodes(t, "AP-ENABLED", "AP-STA-CONNECTED")))

	tap := f.hub.Subscribe(16, "AP-ENABLED")
	defer f.hub.Unsubscribe(tap)

	f.hd.Conn("wlan0").Push("AP-ENABLED", "AP-ENABLED wlan0.1")
	require.Eventually(t, func() bool {
		return len(a.received("AP-ENABLED")) == 1 && len(b.received("AP-ENABLED")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ev := a.received("AP-ENABLED")[0]
	assert.Equal(t, protocol.IfHostap, ev.IfType)
	assert.Equal(t, "AP-ENABLED wlan0.1", string(ev.Msg))

	select {
	case e := <-tap:
		assert.Equal(t, "wlan0", e.Interface)
		assert.Equal(t, 2, e.Subscribers)
	case <-time.After(time.Second):
		t.Fatal("event tap saw nothing")
	}

	f.hd.Conn("wlan0").Push("AP-STA-CONNECTED", "AP-STA-CONNECTED 00:11:22:33:44:55")
	require.Eventually(t, func() bool { return len(b.received("AP-STA-CONNECTED")) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Empty(t, a.received("AP-STA-CONNECTED"))
}

func TestDispatch_FailedSubscriberDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := &station{name: "bad", fail: errors.New("queue full")}
	good := &station{name: "good"}
	require.NoError(t, f.m.Register(ctx, good, protocol.IfHostap, "wlan0", opcodes(t, "X")))
	require.NoError(t, f.m.Register(ctx, bad, protocol.IfHostap, "wlan0", opcodes(t, "X")))

	env, err := events.NewEnvelope("X", []byte("X payload"))
	require.NoError(t, err)
	require.NoError(t, f.m.Dispatch(protocol.IfHostap, "wlan0", "wlan0", env))
	assert.Len(t, good.received("X"), 1)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDispatch_DeliveryWarningsThrottled(t *testing.T) {
	f := newFixture(t)
	var logs syncBuffer
	f.m.log = logging.New(logging.Config{Level: logging.LevelDebug, Output: &logs})
	ctx := context.Background()
	bad := &station{name: "bad", fail: errors.New("queue full")}
	require.NoError(t, f.m.Register(ctx, bad, protocol.IfHostap, "wlan0", opcodes(t, "X")))

	env, err := events.NewEnvelope("X", nil)
	require.NoError(t, err)
	for i := 0; i < deliveryWarnings+3; i++ {
		require.NoError(t, f.m.Dispatch(protocol.IfHostap, "wlan0", "wlan0", env))
	}
	assert.Equal(t, deliveryWarnings, strings.Count(logs.String(), "event not delivered"))

	f.m.Forget(ctx, bad)
	assert.Zero(t, f.m.warnLimit.Len())
}

func TestDispatch_UnsubscribedOpcodeIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := &station{name: "s"}
	require.NoError(t, f.m.Register(ctx, st, protocol.IfHostap, "wlan0", opcodes(t, "X")))
	require.NoError(t, f.m.Unregister(ctx, st, protocol.IfHostap, "wlan0"))

	env, err := events.NewEnvelope("X", nil)
	require.NoError(t, err)
	require.NoError(t, f.m.Dispatch(protocol.IfHostap, "wlan0", "wlan0", env))
	assert.Empty(t, st.received("X"))

	// Unknown interfaces are ignored as well.
	require.NoError(t, f.m.Dispatch(protocol.IfHostap, "wlan9", "wlan9", env))
}

func TestDispatch_LifecycleUpdatesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := &station{name: "s"}
	require.NoError(t, f.m.Register(ctx, st, protocol.IfHostap, "wlan0", opcodes(t, "X")))
	assert.Equal(t, "connected", statusOf(t, f.m, "wlan0").State)

	// A failing command drops the interface.
	f.hd.Conn("wlan0").FailCommands(errors.New("send failed"))
	_, err := f.conn.HostapCommand(ctx, "wlan0", "STATUS", make([]byte, 64))
	require.Error(t, err)

	assert.Equal(t, "disconnected", statusOf(t, f.m, "wlan0").State)
	assert.Len(t, st.received(events.OpDisconnected), 1)
}

func TestUnregister_DetachesOnRequestInterface(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := &station{name: "s"}
	require.NoError(t, f.m.Register(ctx, st, protocol.IfHostap, "wlan0", opcodes(t, "X")))
	conn := f.hd.Conn("wlan0")

	require.NoError(t, f.m.Unregister(ctx, st, protocol.IfHostap, "wlan0"))
	assert.True(t, conn.Closed())
	s := statusOf(t, f.m, "wlan0")
	assert.Equal(t, -1, s.Index)
	assert.Equal(t, 0, s.Subscribers)

	assert.ErrorIs(t, f.m.Unregister(ctx, st, protocol.IfHostap, "wlan7"), ErrNotFound)
}

func TestUnregister_KeepsExplicitlyAttached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.Attach(ctx, "wlan0"))
	st := &station{name: "s"}
	require.NoError(t, f.m.Register(ctx, st, protocol.IfHostap, "wlan0", opcodes(t, "X")))

	require.NoError(t, f.m.Unregister(ctx, st, protocol.IfHostap, "wlan0"))
	assert.False(t, f.hd.Conn("wlan0").Closed())
	assert.Equal(t, "connected", statusOf(t, f.m, "wlan0").State)
}

func TestForget_RemovesFromEveryInterface(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := &station{name: "s"}
	keep := &station{name: "keep"}
	require.NoError(t, f.m.Register(ctx, st, protocol.IfHostap, "wlan0", opcodes(t, "X")))
	require.NoError(t, f.m.Register(ctx, st, protocol.IfHostap, "wlan2", opcodes(t, "Y")))
	require.NoError(t, f.m.Register(ctx, keep, protocol.IfHostap, "wlan2", opcodes(t, "Y")))

	f.m.Forget(ctx, st)

	assert.True(t, f.hd.Conn("wlan0").Closed())
	assert.False(t, f.hd.Conn("wlan2").Closed())
	assert.Equal(t, 0, statusOf(t, f.m, "wlan0").Subscribers)
	assert.Equal(t, 1, statusOf(t, f.m, "wlan2").Subscribers)
}

func TestRegister_HostapdDownStillRegisters(t *testing.T) {
	f := newFixture(t)
	f.hd.FailAttach("wlan1", errors.New("no such file"))
	st := &station{name: "s"}

	require.NoError(t, f.m.Register(context.Background(), st, protocol.IfHostap, "wlan1", opcodes(t, "X")))
	s := statusOf(t, f.m, "wlan1")
	assert.Equal(t, "disconnected", s.State)
	assert.True(t, s.Reconnecting)
	assert.Empty(t, st.received(events.OpConnected))
}

func TestRegister_OversizedOpcodeIsFraming(t *testing.T) {
	f := newFixture(t)
	st := &station{name: "s"}
	list := append([]byte{1, 'A'}, 200)
	list = append(list, bytes.Repeat([]byte{'B'}, 200)...)

	err := f.m.Register(context.Background(), st, protocol.IfHostap, "wlan0", list)
	require.Error(t, err)
	assert.Equal(t, protocol.StatusFraming, StatusOf(err))
	assert.Equal(t, 0, f.hd.Attaches("wlan0"))
}

func TestStart_AttachesConfigured(t *testing.T) {
	f := newFixture(t)
	f.hd.FailAttach("wlan2", errors.New("down"))

	require.NoError(t, f.m.Start(context.Background(), []string{"wlan0", "wlan2"}, true))
	assert.Equal(t, "connected", statusOf(t, f.m, "wlan0").State)
	assert.Equal(t, "disconnected", statusOf(t, f.m, "wlan2").State)
	assert.Equal(t, "connected", statusOf(t, f.m, connmgr.DriverName).State)

	text := FormatStatus(f.m.Status())
	assert.Contains(t, text, "wlan0=connected kind=hostap")
	assert.Contains(t, text, "wlan2=disconnected kind=hostap")
	assert.Contains(t, text, "reconnecting=1")
	assert.Contains(t, text, "ALL=connected kind=driver")
}

func TestDriverEvents_NamedByIfindex(t *testing.T) {
	f := newFixture(t)
	st := &station{name: "s"}
	require.NoError(t, f.m.Register(context.Background(), st, protocol.IfDriver, "ALL", opcodes(t, "VENDOR-7", "NL80211-19")))

	f.dd.Last().PushEvent(
		transport.DriverMessage{Vendor: true, Subcommand: 7, IfIndex: 5, Data: []byte{1, 2, 3}},
		transport.DriverMessage{Command: 19},
	)
	require.Eventually(t, func() bool {
		return len(st.received("VENDOR-7")) == 1 && len(st.received("NL80211-19")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	vendor := st.received("VENDOR-7")[0]
	assert.Equal(t, protocol.IfDriver, vendor.IfType)
	assert.Equal(t, "if5", vendor.Name)
	assert.Equal(t, []byte{1, 2, 3}, vendor.Msg)
	assert.Equal(t, connmgr.DriverName, st.received("NL80211-19")[0].Name)
}

func request(t *testing.T, c protocol.Class, it protocol.IfType, name string, body []byte) protocol.Frame {
	t.Helper()
	fr, err := protocol.NamedRequest{Class: c, IfType: it, Name: name, Body: body}.Frame(1)
	require.NoError(t, err)
	return fr
}

func TestHandle_HostapCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := &station{name: "s"}
	f.hd.SetReply("GET_CONFIG", "ssid=apmux\n")

	h, payload, err := protocol.HostapCommand{Name: "wlan0", Command: "GET_CONFIG"}.Encode()
	require.NoError(t, err)
	cmd := protocol.Frame{Seq: 3, Header: h, Payload: payload}

	resp := f.m.Handle(ctx, st, cmd)
	assert.Equal(t, protocol.StatusInterfaceDown, resp.Status)

	resp = f.m.Handle(ctx, st, request(t, protocol.ClassAttach, protocol.IfHostap, "wlan0", nil))
	require.Equal(t, protocol.StatusSuccess, resp.Status)

	resp = f.m.Handle(ctx, st, cmd)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "ssid=apmux\n", string(resp.Reply))
	assert.Equal(t, protocol.IfHostap, resp.IfType)

	resp = f.m.Handle(ctx, st, protocol.Frame{Header: protocol.NewHeader(protocol.ClassStatus, protocol.IfHostap)})
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.True(t, strings.HasPrefix(string(resp.Reply), "wlan0=connected"))

	resp = f.m.Handle(ctx, st, request(t, protocol.ClassDetach, protocol.IfHostap, "wlan0", nil))
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	resp = f.m.Handle(ctx, st, request(t, protocol.ClassDetach, protocol.IfHostap, "wlan0", nil))
	assert.Equal(t, protocol.StatusInterfaceDown, resp.Status)
}

func TestHandle_MalformedHeaders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := &station{name: "s"}

	// Name length larger than the payload.
	h := protocol.NewHeader(protocol.ClassCommand, protocol.IfHostap)
	h[2] = 12
	resp := f.m.Handle(ctx, st, protocol.Frame{Header: h, Payload: []byte("wlan0")})
	assert.Equal(t, protocol.StatusFraming, resp.Status)

	// Unknown interface type.
	h = protocol.NewHeader(protocol.ClassCommand, 9)
	resp = f.m.Handle(ctx, st, protocol.Frame{Header: h, Payload: []byte("x")})
	assert.Equal(t, protocol.StatusFraming, resp.Status)

	// Unknown class.
	resp = f.m.Handle(ctx, st, protocol.Frame{Header: protocol.NewHeader(42, protocol.IfHostap)})
	assert.Equal(t, protocol.StatusFraming, resp.Status)

	// Register without a name.
	resp = f.m.Handle(ctx, st, request(t, protocol.ClassRegister, protocol.IfHostap, "", opcodes(t, "X")))
	assert.Equal(t, protocol.StatusFraming, resp.Status)
}

func TestHandle_DriverCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := &station{name: "s"}
	f.dd.SetResponder(func(req transport.DriverRequest, seq uint32) ([]transport.DriverMessage, error) {
		return []transport.DriverMessage{{Seq: seq, Vendor: true, Data: []byte("stats")}}, nil
	})
	require.NoError(t, f.m.AttachDriver(ctx))

	get := protocol.DriverCommand{Name: "wlan0", Command: 103, Subcommand: 0x40, Data: []byte{9}, WantReply: true}
	h, payload, err := get.Encode()
	require.NoError(t, err)
	resp := f.m.Handle(ctx, st, protocol.Frame{Header: h, Payload: payload})
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "stats", string(resp.Reply))

	send := protocol.DriverCommand{Name: connmgr.DriverName, Command: 103, Subcommand: 0x41}
	h, payload, err = send.Encode()
	require.NoError(t, err)
	resp = f.m.Handle(ctx, st, protocol.Frame{Header: h, Payload: payload})
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Empty(t, resp.Reply)

	reqs := f.dd.Last().Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "wlan0", reqs[0].IfName)
	assert.Equal(t, uint32(0x40), reqs[0].Subcommand)
	assert.Equal(t, []byte{9}, reqs[0].Data)
	assert.Equal(t, "", reqs[1].IfName)
}

// slowSupervisor answers every command after advancing a mock clock.
type slowSupervisor struct {
	clk   *clock.MockClock
	delay time.Duration
}

func (s *slowSupervisor) AttachHostap(context.Context, string, connmgr.HostapCallback) error {
	return nil
}
func (s *slowSupervisor) DetachHostap(context.Context, string) error { return nil }
func (s *slowSupervisor) AttachDriver(context.Context, connmgr.DriverCallback, connmgr.DriverCallback) error {
	return nil
}
func (s *slowSupervisor) DetachDriver(context.Context) error { return nil }
func (s *slowSupervisor) HostapCommand(_ context.Context, _, _ string, reply []byte) (int, error) {
	s.clk.Advance(s.delay)
	return copy(reply, "OK\n"), nil
}
func (s *slowSupervisor) DriverGet(context.Context, transport.DriverRequest) ([]byte, error) {
	return nil, nil
}
func (s *slowSupervisor) DriverSend(context.Context, transport.DriverRequest) error { return nil }
func (s *slowSupervisor) Interfaces() []connmgr.InterfaceState { return nil }

func TestHandle_SlowCommandCounted(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sup := &slowSupervisor{clk: clk, delay: 350 * time.Millisecond}
	reg := metrics.Get()
	m := New(sup, Config{Clock: clk, Logger: quiet(), Metrics: reg})

	slow := reg.SlowCommands.WithLabelValues("hostap")
	before := promtest.ToFloat64(slow)

	h, payload, err := protocol.HostapCommand{Name: "wlan0", Command: "STA-FIRST"}.Encode()
	require.NoError(t, err)
	resp := m.Handle(context.Background(), &station{name: "s"}, protocol.Frame{Header: h, Payload: payload})
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, before+1, promtest.ToFloat64(slow))

	sup.delay = 10 * time.Millisecond
	m.Handle(context.Background(), &station{name: "s"}, protocol.Frame{Header: h, Payload: payload})
	assert.Equal(t, before+1, promtest.ToFloat64(slow))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, protocol.StatusSuccess, StatusOf(nil))
	assert.Equal(t, protocol.StatusNotFound, StatusOf(ErrNotFound))
	assert.Equal(t, protocol.StatusFraming, StatusOf(protocol.ErrMalformed))
	assert.Equal(t, protocol.StatusFraming, StatusOf(events.ErrOpcodeTooLong))
	assert.Equal(t, protocol.StatusInterfaceDown, StatusOf(connmgr.ErrInterfaceDown))
	assert.Equal(t, protocol.StatusFailure, StatusOf(errors.New("boom")))
}
