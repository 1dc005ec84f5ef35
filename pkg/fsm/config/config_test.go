package config

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecmaster-go/ethercat/pkg/datagram"
	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/fsm/pdomap"
	"github.com/ecmaster-go/ethercat/pkg/fsm/statechange"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

func discardEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func testSlave() *slave.Slave {
	s := slave.New(nil, 0)
	s.StationAddress = 0x1001
	s.FMMUCount = 2
	s.SMCount = 4
	s.MailboxRx = slave.MailboxWindow{Offset: 0x1000, Size: 128}
	s.MailboxTx = slave.MailboxWindow{Offset: 0x1080, Size: 128}
	s.Attach(0, 1)
	return s
}

func ack(d *datagram.Datagram) { d.MarkReceived(d.ExpectWC, 0, false) }

func unacked(d *datagram.Datagram) { d.MarkReceived(0, 0, false) }

// driveConfig runs the FSM, acking every reply by default and invoking
// respond (if non-nil) to let a test customize or override a specific
// reply. It advances the tick clock by step on every Exec so
// timeout-bearing stages see real elapsed time.
func driveConfig(t *testing.T, f *FSM, step uint64, iterations int, respond func(d *datagram.Datagram) bool) (fsm.Progress, []*datagram.Datagram) {
	t.Helper()
	var now uint64
	var sent []*datagram.Datagram
	for i := 0; i < iterations; i++ {
		progress, d, err := f.Exec(now)
		require.NoError(t, err)
		if progress != fsm.Running {
			return progress, sent
		}
		require.NotNil(t, d)
		sent = append(sent, d)
		if respond == nil || !respond(d) {
			ack(d)
		}
		now += step
		progress = f.Consume(d, 0)
		if progress != fsm.Running {
			return progress, sent
		}
	}
	return fsm.Running, sent
}

func alStatusReply(d *datagram.Datagram, state slave.ALState) bool {
	if d.Command == datagram.FPRD && d.Address == datagram.AddressStation(0x1001, 0x0130) {
		ack(d)
		binary.LittleEndian.PutUint16(d.Data(), uint16(state))
		return true
	}
	return false
}

func TestInitStageAdvancesToBootstrap(t *testing.T) {
	s := testSlave()
	cfg := &slave.SlaveConfig{}
	f := New(discardEntry(), s, nil, cfg)

	progress, sent := driveConfig(t, f, uint64(time.Millisecond), 10, func(d *datagram.Datagram) bool {
		return alStatusReply(d, slave.StateInit)
	})

	require.Equal(t, fsm.Running, progress)
	require.NoError(t, f.Err())
	assert.Equal(t, stageBootstrap, f.stage)
	assert.Nil(t, f.sc)
	assert.Equal(t, slave.StateInit, s.CurrentState)
	assert.NotEmpty(t, sent)
}

func TestReconfigurationRestartsAtStepOne(t *testing.T) {
	s := testSlave()
	s.Detach()

	f := &FSM{
		slave:   s,
		log:     discardEntry(),
		cfg:     &slave.SlaveConfig{},
		stage:   stageSafeop,
		sc:      &statechange.FSM{},
		current: &fakeDownloader{},
		pdoSub:  &pdomap.FSM{},
		sdoPos:  3,
		soePos:  2,
		idx:     1,
	}

	require.True(t, f.checkReconfiguration())
	assert.Equal(t, stageInit, f.stage)
	assert.Nil(t, f.boot)
	assert.Nil(t, f.sc)
	assert.Nil(t, f.current)
	assert.Nil(t, f.pdoSub)
	assert.Equal(t, 0, f.sdoPos)
	assert.Equal(t, 0, f.soePos)
	assert.Equal(t, 0, f.idx)
}

func TestReconfigurationLeavesAttachedSlaveAlone(t *testing.T) {
	s := testSlave() // attached

	f := &FSM{slave: s, log: discardEntry(), cfg: &slave.SlaveConfig{}, stage: stageSafeop}
	assert.False(t, f.checkReconfiguration())
	assert.Equal(t, stageSafeop, f.stage)
}

func TestReconfigurationDoesNotTriggerBeforeSDOConfig(t *testing.T) {
	s := testSlave()
	s.Detach()

	f := &FSM{slave: s, log: discardEntry(), cfg: &slave.SlaveConfig{}, stage: stageBootstrap}
	assert.False(t, f.checkReconfiguration())
	assert.Equal(t, stageBootstrap, f.stage)
}

type fakeDownloader struct{}

func (fakeDownloader) Exec(now uint64) (fsm.Progress, *datagram.Datagram, error) { return fsm.Done, nil, nil }
func (fakeDownloader) Consume(reply *datagram.Datagram, elapsed time.Duration) fsm.Progress {
	return fsm.Done
}
func (fakeDownloader) Err() error { return nil }

func TestQuickStartEntersAtSoESafeop(t *testing.T) {
	s := testSlave()
	cfg := &slave.SlaveConfig{}
	f := NewQuickStart(discardEntry(), s, cfg)

	assert.Equal(t, stageSoESafeop, f.stage)

	progress, d, err := f.Exec(0)
	require.NoError(t, err)
	// no SoE writes configured, so it should fall straight through to the
	// OP state-change write.
	require.Equal(t, fsm.Running, progress)
	require.NotNil(t, d)
	assert.Equal(t, datagram.FPWR, d.Command)
	assert.Equal(t, stageOp, f.stage)
}

func TestWatchdogSkippedWhenUnconfigured(t *testing.T) {
	// Non-empty ProcessDataSMs so the skip cascade has real work waiting
	// at stageSMConfig and stops there instead of skipping straight
	// through to stageSafeop.
	cfg := &slave.SlaveConfig{ProcessDataSMs: []slave.SM{{Index: 2, Length: 4}}}
	f := &FSM{slave: testSlave(), log: discardEntry(), cfg: cfg, stage: stageWatchdog}

	progress, d, err := f.Exec(0)
	require.NoError(t, err)
	require.Equal(t, fsm.Running, progress)
	require.NotNil(t, d)
	assert.Equal(t, stageSMConfig, f.stage)
	assert.Equal(t, datagram.FPWR, d.Command)
}

func TestWatchdogWritesBothRegistersWhenConfigured(t *testing.T) {
	s := testSlave()
	cfg := &slave.SlaveConfig{Watchdog: slave.WatchdogConfig{Divider: 100, PDIInterval: 200}}
	f := &FSM{slave: s, log: discardEntry(), cfg: cfg, stage: stageWatchdog}

	progress, d, err := f.Exec(0)
	require.NoError(t, err)
	require.Equal(t, fsm.Running, progress)
	assert.Equal(t, uint16(100), binary.LittleEndian.Uint16(d.Data()))
	ack(d)
	f.Consume(d, 0)
	assert.Equal(t, stageWatchdogPDI, f.stage)

	progress, d, err = f.Exec(0)
	require.NoError(t, err)
	require.Equal(t, fsm.Running, progress)
	assert.Equal(t, uint16(200), binary.LittleEndian.Uint16(d.Data()))
	ack(d)
	f.Consume(d, 0)
	assert.Equal(t, stageSMConfig, f.stage)
}

func TestSMConfigComputesLengthFromPDOBits(t *testing.T) {
	sm := slave.SM{
		Index:  2,
		Length: 4,
		PDOs: []*slave.PDO{
			{Entries: []slave.PDOEntry{{BitLength: 16}, {BitLength: 8}}},
		},
	}
	assert.Equal(t, uint16(3), processDataSMLength(sm))

	empty := slave.SM{Length: 6}
	assert.Equal(t, uint16(6), processDataSMLength(empty))
}

func TestFMMUWriteEncodesDirection(t *testing.T) {
	s := testSlave()
	d, err := buildFMMUWrite(s, 0x0600, slave.FMMUConfig{
		LogicalStart:  0x10000,
		Length:        4,
		PhysicalStart: 0x1000,
		Type:          slave.FMMUOutputs,
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), d.Data()[11])

	d2, err := buildFMMUWrite(s, 0x0610, slave.FMMUConfig{Type: slave.FMMUInputs})
	require.NoError(t, err)
	assert.Equal(t, uint8(0x02), d2.Data()[11])
}

func TestFMMUConfigSkippedWhenEmpty(t *testing.T) {
	// Non-zero DC sync config so the skip cascade stops at stageDCWriteCycle
	// (which has real work to do) instead of skipping through to stageSafeop.
	cfg := &slave.SlaveConfig{DCSync: slave.DCSyncConfig{Cycle0Time: 1_000_000}}
	f := &FSM{slave: testSlave(), log: discardEntry(), cfg: cfg, stage: stageFMMUConfig}
	progress, d, err := f.Exec(0)
	require.NoError(t, err)
	require.Equal(t, fsm.Running, progress)
	require.NotNil(t, d)
	assert.Equal(t, stageDCWriteCycle, f.stage)
	assert.Equal(t, datagram.FPWR, d.Command)
}

func TestDCSyncSkippedWhenUnconfigured(t *testing.T) {
	s := testSlave()
	f := &FSM{slave: s, log: discardEntry(), cfg: &slave.SlaveConfig{}, stage: stageDCWriteCycle}

	progress, d, err := f.Exec(0)
	require.NoError(t, err)
	require.Equal(t, fsm.Running, progress)
	require.NotNil(t, d)
	assert.Equal(t, stageSafeop, f.stage)
}

func TestDCPollSyncConvergesWithinTolerance(t *testing.T) {
	s := testSlave()
	cfg := &slave.SlaveConfig{DCSync: slave.DCSyncConfig{Cycle0Time: 1_000_000, Cycle1Time: 0}}
	f := &FSM{slave: s, log: discardEntry(), cfg: cfg, stage: stageDCPollSync}

	_, d, err := f.Exec(0)
	require.NoError(t, err)
	ack(d)
	binary.LittleEndian.PutUint32(d.Data(), 3) // 3ns diff, within 10us tolerance

	progress := f.Consume(d, 0)
	require.Equal(t, fsm.Running, progress)
	assert.Equal(t, stageDCWriteStart, f.stage)
}

func TestDCPollSyncProceedsAfterTimeout(t *testing.T) {
	s := testSlave()
	cfg := &slave.SlaveConfig{DCSync: slave.DCSyncConfig{Cycle0Time: 1_000_000, Cycle1Time: 0}}
	f := &FSM{slave: s, log: discardEntry(), cfg: cfg, stage: stageDCPollSync}

	_, d, err := f.Exec(uint64(6 * time.Second))
	require.NoError(t, err)
	unacked(d)

	progress := f.Consume(d, 0)
	require.Equal(t, fsm.Running, progress)
	assert.Equal(t, stageDCWriteStart, f.stage)
}

func TestDCEnableTransitionsAfterItsOwnReplyIsConsumed(t *testing.T) {
	s := testSlave()
	f := &FSM{slave: s, log: discardEntry(), cfg: &slave.SlaveConfig{}, stage: stageDCEnable}

	progress, d, err := f.Exec(0)
	require.NoError(t, err)
	require.Equal(t, fsm.Running, progress)
	// stage must still be stageDCEnable until Consume runs, otherwise the
	// enable write's own reply would be misrouted into stageSafeop.
	assert.Equal(t, stageDCEnable, f.stage)

	ack(d)
	progress = f.Consume(d, 0)
	require.Equal(t, fsm.Running, progress)
	assert.Equal(t, stageSafeop, f.stage)
}
