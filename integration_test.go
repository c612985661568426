//go:build integration
// +build integration

package main

import (
	"context"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startIntegrationSimulator 啟動 TCP 模擬器，seed 在場景擷取基準值之前設定輸入暫存器
func startIntegrationSimulator(t *testing.T, boardName string, seed map[uint16]uint16) (*BoardSimulator, string) {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	sim := NewBoardSimulator(testBoard(t, boardName),
		WithSimSlaveID(1),
		WithSimLogger(logger),
		WithSimUpdateInterval(50*time.Millisecond),
		WithSimScenario(ScenarioNormal, ScenarioParams{}),
	)
	for addr, v := range seed {
		require.NoError(t, sim.Registers().SetInputRegister(addr, v))
	}
	addr := freeTCPAddr(t)
	require.NoError(t, sim.Start(context.Background(), SimulatorEndpoint{Address: addr}))
	t.Cleanup(func() { _ = sim.Stop() })

	// 等待伺服器啟動
	time.Sleep(100 * time.Millisecond)
	return sim, addr
}

func TestSimulatorIntegration_GoburrowClient(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	sim, addr := startIntegrationSimulator(t, "Sensor-MB-NE4_REV1_0", map[uint16]uint16{0: 400})

	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = 5 * time.Second
	require.NoError(t, handler.Connect())
	defer handler.Close()

	client := modbus.NewClient(handler)

	t.Run("ReadInputRegisters", func(t *testing.T) {
		results, err := client.ReadInputRegisters(0, 2)
		require.NoError(t, err)
		assert.Equal(t, []uint16{400, 0}, BytesToRegisters(results))
	})

	t.Run("ProtectedWithoutUnlock", func(t *testing.T) {
		_, err := client.WriteSingleRegister(uint16(RegNullgasSensor1), CalibrationValue)
		require.Error(t, err)
		var mbErr *modbus.ModbusError
		require.ErrorAs(t, err, &mbErr)
		assert.Equal(t, byte(ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)
	})

	t.Run("UnlockThenWrite", func(t *testing.T) {
		_, err := client.WriteSingleRegister(uint16(DefaultProtectionRegister), UnlockValue)
		require.NoError(t, err)
		time.Sleep(SettleDelay)

		_, err = client.WriteSingleRegister(uint16(RegNullgasSensor1), CalibrationValue)
		require.NoError(t, err)

		v, err := sim.Registers().ReadHoldingRegister(uint16(RegNullgasSensor1))
		require.NoError(t, err)
		assert.Equal(t, CalibrationValue, v)
	})

	t.Run("WriteMultipleRegisters", func(t *testing.T) {
		_, err := client.WriteMultipleRegisters(0, 2, []byte{0x00, 0x05, 0x00, 0x06})
		require.NoError(t, err)

		results, err := client.ReadHoldingRegisters(0, 2)
		require.NoError(t, err)
		assert.Equal(t, []uint16{5, 6}, BytesToRegisters(results))
	})
}

func TestMasterIntegration_PollAndCommands(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	sim, addr := startIntegrationSimulator(t, "Sensor-MB-NAP5xx_REV1_0", map[uint16]uint16{1: 77})
	require.NoError(t, sim.Registers().WriteHoldingRegister(uint16(RegNullgasSensor1), 12))

	logger, _ := zap.NewDevelopment()
	master := NewModbusMaster(
		WithLogger(logger),
		WithTransactionTimeout(time.Second),
		WithPollInterval(20*time.Millisecond),
	)
	defer master.Close()

	tty := tcpScheme + addr
	board := sim.Board

	require.NoError(t, master.Send(Connect{
		TTYPath:            tty,
		SlaveID:            1,
		Rregs:              NewRregs([]RegisterAddress{0, 1}),
		Rwregs:             NewRwregs([]RegisterAddress{RegNullgasSensor1, 30}, []RegisterAddress{RegNullgasSensor1}),
		ProtectionRegister: board.ProtectionRegister,
	}))

	var rregs PollResult
	var rwregs PollResult
	timeout := time.After(5 * time.Second)
	for rregs == nil || rwregs == nil {
		select {
		case r := <-master.Reports():
			switch r := r.(type) {
			case PollRregsUpdate:
				require.NoError(t, r.Err)
				rregs = r.Values
			case PollRwregsUpdate:
				require.NoError(t, r.Err)
				rwregs = r.Values
			}
		case <-timeout:
			t.Fatal("等待輪詢結果逾時")
		}
	}

	v, ok := rregs.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint16(77), v)

	// 受保護的 Rwreg 在同一連線內先解鎖 (NAP5xx 保護暫存器為 79)
	v, ok = rwregs.Get(RegNullgasSensor1)
	require.True(t, ok)
	assert.Equal(t, uint16(12), v)

	require.NoError(t, master.Send(Disconnect{}))
	require.Eventually(t, func() bool { return master.LoopState() == LoopStateIdle }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, master.Send(SetNewWorkingMode{
		TTYPath:            tty,
		SlaveID:            1,
		WorkingMode:        3,
		ProtectionRegister: board.ProtectionRegister,
	}))

	for {
		select {
		case r := <-master.Reports():
			status, ok := r.(StatusReport)
			if !ok {
				continue
			}
			require.Equal(t, LevelInfo, status.Level, status.Text)
			mode, err := sim.Registers().ReadHoldingRegister(uint16(RegWorkingMode))
			require.NoError(t, err)
			assert.Equal(t, uint16(3), mode)
			return
		case <-timeout:
			t.Fatal("等待工作模式結果逾時")
		}
	}
}
