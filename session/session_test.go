package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rov-surface/common"
	"rov-surface/fuser"
)

func TestRecordAndReplay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")
	f := fuser.New(fuser.DefaultConfig())
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	rec, err := NewRecorder(ctx, path, map[string]any{"tick": "100ms"})
	require.NoError(t, err)

	ticks := [][]common.Input{
		{
			common.LinkStatus{Target: common.TargetActuator, Health: common.HealthUp, Timestamp: t0},
			common.Reading{Source: common.SourceTemperature, Field: "28-a", Value: common.Number(21.3), Timestamp: t0.Add(100 * time.Second)},
		},
		{
			common.Reading{Source: common.SourceTemperature, Field: "28-a", Value: common.Number(20.9), Timestamp: t0.Add(90 * time.Second)},
		},
		nil,
		{
			common.Reading{Source: common.SourceVehicleTelemetry, Field: "thruster", Value: common.Text("stop"), Timestamp: t0},
			common.SensorFault{Source: common.SourcePH, Reason: "device absent", Timestamp: t0},
			common.CommandOutcome{CommandID: "c1", Target: common.TargetActuator, Result: common.ResultAcked, Timestamp: t0},
		},
	}

	state := fuser.VehicleState{}
	for i, inputs := range ticks {
		state = f.Fuse(state, inputs)
		require.NoError(t, rec.RecordTick(uint64(i+1), t0.Add(time.Duration(i)*100*time.Millisecond), inputs, state))
	}
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	sessions, err := Sessions(ctx, path)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, rec.SessionID(), sessions[0].ID)
	assert.Equal(t, 4, sessions[0].Ticks)
	assert.Equal(t, state.Version, sessions[0].Version)

	result, err := Replay(ctx, path, rec.SessionID())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Ticks)
	assert.Equal(t, 6, result.Inputs)
	assert.Empty(t, result.Mismatches)
	assert.Equal(t, state.Version, result.Final.Version)
	assert.Equal(t, 21.3, *result.Final.TemperatureC)
	require.Len(t, result.Final.RecentOutcomes, 1)
	assert.Equal(t, "c1", result.Final.RecentOutcomes[0].CommandID)
}

type stationConfig struct {
	Fuser fuser.Config
	Tick  time.Duration
}

func TestReplayUsesRecordedFuserConfig(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")
	cfg := fuser.Config{FaultGrace: 1, OutcomeHistory: 8}
	f := fuser.New(cfg)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	rec, err := NewRecorder(ctx, path, stationConfig{Fuser: cfg, Tick: 100 * time.Millisecond})
	require.NoError(t, err)

	ticks := [][]common.Input{
		{common.Reading{Source: common.SourcePH, Value: common.Number(7.2), Timestamp: t0}},
		{common.SensorFault{Source: common.SourcePH, Reason: "device absent", Timestamp: t0.Add(time.Second)}},
		{common.Reading{Source: common.SourcePH, Value: common.Number(7.2), Timestamp: t0.Add(2 * time.Second)}},
	}
	state := fuser.VehicleState{}
	for i, inputs := range ticks {
		state = f.Fuse(state, inputs)
		require.NoError(t, rec.RecordTick(uint64(i+1), t0, inputs, state))
	}
	require.NoError(t, rec.Close())
	require.Equal(t, uint64(3), state.Version, "a single fault clears pH with grace 1")

	result, err := Replay(ctx, path, rec.SessionID())
	require.NoError(t, err)
	assert.Equal(t, cfg, result.Config)
	assert.Empty(t, result.Mismatches)
	assert.Equal(t, state.Version, result.Final.Version)

	result, err = Replay(ctx, path, rec.SessionID(), WithFaultGrace(3))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Config.FaultGrace)
	assert.Equal(t, []uint64{2, 3}, result.Mismatches)
}

func TestReplayDetectsVersionMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")

	rec, err := NewRecorder(ctx, path, nil)
	require.NoError(t, err)
	inputs := []common.Input{common.Reading{Source: common.SourcePH, Value: common.Number(7), Timestamp: time.Now()}}
	require.NoError(t, rec.RecordTick(1, time.Now(), inputs, fuser.VehicleState{Version: 5}))
	require.NoError(t, rec.Close())

	result, err := Replay(ctx, path, rec.SessionID())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, result.Mismatches)
}

func TestReplayErrors(t *testing.T) {
	ctx := context.Background()
	_, err := Replay(ctx, filepath.Join(t.TempDir(), "missing.db"), 1)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.db")
	rec, err := NewRecorder(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	_, err = Replay(ctx, path, rec.SessionID())
	assert.ErrorContains(t, err, "no recorded ticks")

	_, err = Replay(ctx, path, rec.SessionID()+41)
	assert.ErrorContains(t, err, "not found")
}

func TestInputCodecRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inputs := []common.Input{
		common.Reading{Source: common.SourceActuatorTelemetry, Field: "valve/2", Value: common.Number(100), Timestamp: at, Seq: 4},
		common.LinkStatus{Target: common.TargetVehicle, Health: common.HealthDegraded, Reason: "slow", Timestamp: at},
	}
	for _, in := range inputs {
		kind, payload, err := encodeInput(in)
		require.NoError(t, err)
		got, err := decodeInput(kind, payload)
		require.NoError(t, err)
		assert.Equal(t, in, got)
	}

	_, err := decodeInput("video", []byte(`{}`))
	assert.Error(t, err)
}
