package coyote

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/coyote/internal/device"
	"github.com/srg/coyote/internal/settings"
	"github.com/srg/coyote/internal/testutils"
	"github.com/srg/coyote/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testAddr = "D0:D1:D2:D3:D4:D5"

type recordingObserver struct {
	mu           sync.Mutex
	connectivity []Stage
	connected    []bool
	battery      []int
	power        []protocol.Strengths
	pulses       []protocol.Pulses
}

func (r *recordingObserver) ConnectivityChanged(connected bool, stage Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectivity = append(r.connectivity, stage)
	r.connected = append(r.connected, connected)
}

func (r *recordingObserver) BatteryChanged(level int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.battery = append(r.battery, level)
}

func (r *recordingObserver) PowerLevelsChanged(s protocol.Strengths) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.power = append(r.power, s)
}

func (r *recordingObserver) PulseSent(p protocol.Pulses) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulses = append(r.pulses, p)
}

func (r *recordingObserver) snapshot() recordingObserver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recordingObserver{
		connectivity: append([]Stage(nil), r.connectivity...),
		connected:    append([]bool(nil), r.connected...),
		battery:      append([]int(nil), r.battery...),
		power:        append([]protocol.Strengths(nil), r.power...),
		pulses:       append([]protocol.Pulses(nil), r.pulses...),
	}
}

// fixedSource emits the same packet every interval.
type fixedSource struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
	packet   protocol.Pulses
	calls    atomic.Int32
}

func (f *fixedSource) NextDue() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func (f *fixedSource) GeneratePacket(now time.Time) *protocol.Pulses {
	f.mu.Lock()
	defer f.mu.Unlock()
	if now.Before(f.next) {
		return nil
	}
	f.next = now.Add(f.interval)
	f.calls.Add(1)
	p := f.packet
	return &p
}

func validPulses() protocol.Pulses {
	var p protocol.Pulses
	for i := range p.A {
		p.A[i] = protocol.Pulse{Frequency: 100, Duration: 10, Intensity: 50}
		p.B[i] = protocol.Pulse{Frequency: 50, Duration: 20, Intensity: 25}
	}
	return p
}

// DeviceSuite runs the facade against mocked BLE on the wall clock with
// shortened loop cadences.
type DeviceSuite struct {
	suite.Suite

	adapter  *testutils.MockAdapter
	link     *testutils.MockLink
	store    *settings.MemoryStore
	observer *recordingObserver
	dev      *Device

	writeCall *mock.Call
}

func TestDeviceSuite(t *testing.T) {
	suite.Run(t, new(DeviceSuite))
}

func (s *DeviceSuite) SetupTest() {
	s.adapter = &testutils.MockAdapter{}
	s.link = testutils.NewMockLink(testAddr)
	s.store = settings.NewMemoryStore(testAddr)
	s.observer = &recordingObserver{}

	s.adapter.On("Connect", mock.Anything, testAddr).Return(s.link, nil)
	s.link.On("Discover", mock.Anything).Return([]string{device.ServiceUUID}, nil)
	s.writeCall = s.link.On("Write", mock.Anything, device.WriteCharUUID, mock.Anything, false).Return(nil)
	s.link.On("Subscribe", mock.Anything, device.NotifyCharUUID, mock.Anything).Return(nil)
	s.link.On("Read", mock.Anything, device.BatteryCharUUID).Return([]byte{64}, nil)
	s.link.On("Disconnect", mock.Anything).Return(nil)

	dev, err := New(s.adapter, Options{
		Profile: "standard",
		Store:   s.store,
		Timings: Timings{
			Idle:          time.Millisecond,
			ConnectedPoll: 5 * time.Millisecond,
		},
		UpdatePoll: 5 * time.Millisecond,
	}, testutils.NewTestLogger())
	s.Require().NoError(err)
	s.dev = dev
	s.dev.Subscribe(s.observer)
}

func (s *DeviceSuite) TearDownTest() {
	_ = s.dev.Stop(context.Background())
}

func (s *DeviceSuite) startConnected() {
	s.dev.Start(context.Background())
	s.Require().True(testutils.Eventually(2*time.Second, func() bool {
		return s.dev.Stage() == StageConnected
	}), "device MUST connect")
}

func (s *DeviceSuite) eventually(cond func(r recordingObserver) bool) bool {
	return testutils.Eventually(time.Second, func() bool { return cond(s.observer.snapshot()) })
}

func (s *DeviceSuite) TestSendCommandRequiresPayload() {
	s.startConnected()
	before := len(s.link.Writes())

	s.False(s.dev.SendCommand(nil, nil))
	s.Len(s.link.Writes(), before)
}

// GOAL: Offline sends preview strengths locally and report failure.
func (s *DeviceSuite) TestOfflineSendAppliesPreview() {
	s.False(s.dev.SendCommand(&protocol.Strengths{A: 30, B: 240}, nil))

	s.Equal(protocol.Strengths{A: 30, B: 200}, s.dev.Strengths())
	s.True(s.eventually(func(r recordingObserver) bool { return len(r.power) == 1 }))
	s.Empty(s.link.Writes(), "offline send MUST NOT touch the link")
}

func (s *DeviceSuite) TestOnlineSend() {
	s.startConnected()

	s.True(s.dev.SendCommand(&protocol.Strengths{A: 12, B: 34}, nil))

	frames := s.link.Frames(protocol.CmdPowerCommand)
	last := frames[len(frames)-1]
	s.Equal([]byte{12, 34}, last[2:4])
	s.Equal(byte(0x2A), last[1])
	s.Equal(protocol.Strengths{}, s.dev.Strengths(), "online strengths MUST wait for the peripheral's report")
}

func (s *DeviceSuite) TestPulseSentOnlyForValidPulses() {
	s.startConnected()

	bad := validPulses()
	bad.B[2].Intensity = 101
	s.True(s.dev.SendCommand(nil, &bad), "invalid pulses still send the pad")

	frames := s.link.Frames(protocol.CmdPowerCommand)
	s.Equal(make([]byte, protocol.PulseBytes), frames[len(frames)-1][4:])

	good := validPulses()
	s.True(s.dev.SendCommand(nil, &good))

	s.True(s.eventually(func(r recordingObserver) bool { return len(r.pulses) == 1 }))
	s.Equal(good, s.observer.snapshot().pulses[0])
}

func (s *DeviceSuite) TestObserverSeesConnectivityAndBattery() {
	s.startConnected()

	s.True(s.eventually(func(r recordingObserver) bool {
		return len(r.connectivity) > 0 && r.connectivity[len(r.connectivity)-1] == StageConnected
	}))
	r := s.observer.snapshot()
	s.Equal([]Stage{StageScanning, StageConnecting, StageServiceDiscovery, StageStatusSubscribe, StageSyncParameters, StageConnected}, r.connectivity)
	s.Equal([]bool{false, false, false, false, false, true}, r.connected)

	s.True(s.eventually(func(r recordingObserver) bool { return len(r.battery) == 1 && r.battery[0] == 64 }))
	level, ok := s.dev.Battery()
	s.True(ok)
	s.Equal(64, level)
}

func (s *DeviceSuite) TestPowerUpdateNotificationReachesObservers() {
	s.startConnected()

	s.True(s.link.Notify([]byte{protocol.CmdPowerUpdate, 1, 7, 9}))

	s.True(s.eventually(func(r recordingObserver) bool {
		return len(r.power) > 0 && r.power[len(r.power)-1] == protocol.Strengths{A: 7, B: 9}
	}))
	s.Equal(protocol.Strengths{A: 7, B: 9}, s.dev.Strengths())
}

// GOAL: The update loop forwards due packets through the link while attached
// and stops cleanly.
func (s *DeviceSuite) TestUpdatesForwardPackets() {
	s.startConnected()
	src := &fixedSource{interval: 10 * time.Millisecond, packet: validPulses()}

	s.dev.StartUpdates(src)
	s.True(s.dev.IsConnectedAndRunning())
	s.True(s.eventually(func(r recordingObserver) bool { return len(r.pulses) >= 3 }))

	s.dev.StopUpdates()
	s.False(s.dev.IsConnectedAndRunning())
	calls := src.calls.Load()
	time.Sleep(50 * time.Millisecond)
	s.Equal(calls, src.calls.Load(), "stopped loop MUST NOT generate packets")
}

// GOAL: StopUpdates returns promptly even while a packet write is stuck.
//
// TEST SCENARIO: connected → pulse writes hang until cancelled → start
// updates → wait for a hung write → StopUpdates well inside SendTimeout.
func (s *DeviceSuite) TestStopUpdatesAbandonsPendingSend() {
	s.startConnected()

	isPulseFrame := mock.MatchedBy(func(b []byte) bool {
		return len(b) == protocol.PowerCommandSize && b[0] == protocol.CmdPowerCommand && b[4] != 0
	})
	inFlight := make(chan struct{}, 1)
	s.writeCall.Unset()
	s.link.On("Write", mock.Anything, device.WriteCharUUID, isPulseFrame, false).
		Run(func(args mock.Arguments) {
			select {
			case inFlight <- struct{}{}:
			default:
			}
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.Canceled)
	s.link.On("Write", mock.Anything, device.WriteCharUUID, mock.Anything, false).Return(nil)

	s.dev.StartUpdates(&fixedSource{interval: 10 * time.Millisecond, packet: validPulses()})
	select {
	case <-inFlight:
	case <-time.After(time.Second):
		s.FailNow("pulse write MUST start")
	}

	start := time.Now()
	s.dev.StopUpdates()

	s.Less(time.Since(start), 500*time.Millisecond, "StopUpdates MUST NOT wait for the send timeout")
	s.False(s.dev.IsConnectedAndRunning())
}

func (s *DeviceSuite) TestResetKeepsUpdatesAttached() {
	s.startConnected()
	s.dev.StartUpdates(&fixedSource{interval: 10 * time.Millisecond, packet: validPulses()})

	s.dev.ResetConnection()

	s.True(s.eventually(func(r recordingObserver) bool {
		for _, st := range r.connectivity {
			if st == StageDisconnected {
				return true
			}
		}
		return false
	}), "reset MUST pass through Disconnected")
	s.True(testutils.Eventually(2*time.Second, s.dev.IsConnectedAndRunning), "device MUST reconnect with updates attached")
	s.Equal(testAddr, s.store.Address(), "reset MUST NOT touch the persisted address")
}

// GOAL: Disconnect writes the zero packet last and halts the loop.
func (s *DeviceSuite) TestDisconnectWritesZeroPacket() {
	s.startConnected()

	s.NoError(s.dev.Disconnect(context.Background()))

	s.Equal(StageDisconnected, s.dev.Stage())
	frames := s.link.Frames(protocol.CmdPowerCommand)
	s.Equal(make([]byte, protocol.PowerCommandSize-1), frames[len(frames)-1][1:])
	s.link.AssertCalled(s.T(), "Disconnect", mock.Anything)
	s.False(s.dev.SendCommand(&protocol.Strengths{A: 1}, nil))
}

func (s *DeviceSuite) TestDisconnectBeforeStart() {
	s.NoError(s.dev.Disconnect(context.Background()))
}

func (s *DeviceSuite) TestUnsubscribe() {
	other := &recordingObserver{}
	unsubscribe := s.dev.Subscribe(other)
	unsubscribe()

	s.dev.SendCommand(&protocol.Strengths{A: 3}, nil)

	s.True(s.eventually(func(r recordingObserver) bool { return len(r.power) == 1 }))
	s.Empty(other.snapshot().power)
}

// GOAL: A lagging observer loses only its oldest events, and closing the
// subscription reports how many.
func TestSubscription_CloseReportsDrops(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var levels []int
	var mu sync.Mutex
	sub := newSubscription(ObserverFuncs{OnBattery: func(level int) {
		mu.Lock()
		levels = append(levels, level)
		mu.Unlock()
		if level == 0 {
			close(entered)
			<-release
		}
	}}, 2)

	sub.events.Send(event{kind: eventBattery, battery: 0})
	select {
	case <-entered:
	case <-time.After(time.Second):
		require.FailNow(t, "observer MUST receive the first event")
	}
	for level := 1; level <= 4; level++ {
		sub.events.Send(event{kind: eventBattery, battery: level})
	}

	dropped := sub.close(testutils.NewTestLogger())
	close(release)
	<-sub.done

	assert.Equal(t, int64(2), dropped, "two oldest pending events MUST be dropped")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 3, 4}, levels, "newest events MUST still be delivered after close")
}

func TestNew_RejectsUnknownProfile(t *testing.T) {
	_, err := New(&testutils.MockAdapter{}, Options{Profile: "bogus"}, nil)
	if err == nil {
		t.Fatal("unknown profile MUST be rejected")
	}
}
