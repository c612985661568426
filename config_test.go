package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Equal(t, uint8(1), cfg.Serial.SlaveID)
	assert.Equal(t, DefaultPollInterval, cfg.Poll.Interval)
	assert.Equal(t, "normal", cfg.Simulator.Scenario)
	assert.False(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing port",
			modify:  func(c *Config) { c.Serial.Port = "" },
			wantErr: true,
		},
		{
			name:    "slave id zero",
			modify:  func(c *Config) { c.Serial.SlaveID = 0 },
			wantErr: true,
		},
		{
			name:    "slave id too high",
			modify:  func(c *Config) { c.Serial.SlaveID = 248 },
			wantErr: true,
		},
		{
			name:    "timeout below one rtu request",
			modify:  func(c *Config) { c.Serial.Timeout = 10 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "timeout at minimum",
			modify:  func(c *Config) { c.Serial.Timeout = MinTransactionTimeout },
			wantErr: false,
		},
		{
			name:    "poll interval too long",
			modify:  func(c *Config) { c.Poll.Interval = 2 * time.Second },
			wantErr: true,
		},
		{
			name:    "poll interval zero",
			modify:  func(c *Config) { c.Poll.Interval = 0 },
			wantErr: false,
		},
		{
			name:    "unknown board",
			modify:  func(c *Config) { c.Board.Name = "Sensor-MB-UNKNOWN" },
			wantErr: true,
		},
		{
			name:    "board by id",
			modify:  func(c *Config) { c.Board.Name = "2" },
			wantErr: false,
		},
		{
			name:    "bad register list",
			modify:  func(c *Config) { c.Board.Rregs = "5-1" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid metrics port",
			modify:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "invalid scenario",
			modify:  func(c *Config) { c.Simulator.Scenario = "voltage_sag" },
			wantErr: true,
		},
		{
			name: "fault rate out of range",
			modify: func(c *Config) {
				c.Simulator.Scenarios["fault"] = ScenarioParams{FaultRate: 2}
			},
			wantErr: true,
		},
		{
			name:    "report buffer zero",
			modify:  func(c *Config) { c.Report.Buffer = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_PollConfig(t *testing.T) {
	t.Run("board defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Board.Name = "Sensor-MB-NAP5xx_REV1_0"

		pc, err := cfg.PollConfig()
		require.NoError(t, err)
		assert.Equal(t, RegisterAddress(79), pc.ProtectionRegister)
		assert.Len(t, pc.Rregs, 23)
		assert.Len(t, pc.Rwregs, 49)

		protected := map[RegisterAddress]bool{}
		for _, r := range pc.Rwregs {
			if r.Protected {
				protected[r.Address] = true
			}
		}
		assert.Equal(t, map[RegisterAddress]bool{10: true, 12: true, 20: true, 22: true}, protected)
	})

	t.Run("explicit lists and override", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Serial.Port = "/dev/ttyUSB3"
		cfg.Serial.SlaveID = 9
		cfg.Board.Rregs = "0-2"
		cfg.Board.Rwregs = "5,7"
		cfg.Board.Protected = "7"
		cfg.Board.ProtectionRegister = 60

		conn, err := cfg.Connect()
		require.NoError(t, err)
		assert.Equal(t, Connect{
			TTYPath:            "/dev/ttyUSB3",
			SlaveID:            9,
			Rregs:              []Rreg{{0}, {1}, {2}},
			Rwregs:             []Rwreg{{Address: 5}, {Address: 7, Protected: true}},
			ProtectionRegister: 60,
		}, conn)
	})
}

func TestConfig_SimulatorOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Serial.SlaveID = 4
	cfg.Board.Rwregs = "0-3"
	cfg.Board.Protected = "3"
	cfg.Simulator.Scenario = "gas_alarm"

	opts, err := cfg.SimulatorOptions(zap.NewNop(), nil)
	require.NoError(t, err)

	board, err := cfg.ResolveBoard()
	require.NoError(t, err)
	sim := NewBoardSimulator(board, opts...)

	assert.Equal(t, uint8(4), sim.SlaveID)
	assert.True(t, sim.IsProtected(3))
	assert.True(t, sim.IsProtected(RegWorkingMode))
	scenario, params := sim.Scenario().GetScenario()
	assert.Equal(t, ScenarioGasAlarm, scenario)
	assert.Equal(t, uint16(500), params.AlarmLevel)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
serial:
  port: /dev/ttyACM0
  slave_id: 17
  timeout: 250ms
poll:
  interval: 500ms
board:
  name: Sensor-MB-SP42A_REV1_0
  rregs: "0-3"
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, uint8(17), cfg.Serial.SlaveID)
	assert.Equal(t, 250*time.Millisecond, cfg.Serial.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, "Sensor-MB-SP42A_REV1_0", cfg.Board.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// 未指定的鍵保留預設值
	assert.Equal(t, DefaultReportBuffer, cfg.Report.Buffer)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serial:\n  port: /dev/ttyACM0\n"), 0644))
	t.Setenv("RGMS_SERIAL_PORT", "/dev/ttyS1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS1", cfg.Serial.Port)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll:\n  interval: 5s\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Serial.Port = "/dev/ttyUSB7"
	cfg.Board.Name = "Sensor-MB-CO2_O2_REV1_0"
	require.NoError(t, cfg.SaveConfig(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Serial, loaded.Serial)
	assert.Equal(t, cfg.Board, loaded.Board)
	assert.Equal(t, cfg.Simulator.UpdateInterval, loaded.Simulator.UpdateInterval)
}
