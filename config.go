package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"go.uber.org/zap"
)

// Config 全域配置
type Config struct {
	Serial    SerialConfig    `json:"serial" yaml:"serial" mapstructure:"serial"`
	Poll      PollSettings    `json:"poll" yaml:"poll" mapstructure:"poll"`
	Board     BoardConfig     `json:"board" yaml:"board" mapstructure:"board"`
	Report    ReportConfig    `json:"report" yaml:"report" mapstructure:"report"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	Simulator SimulatorConfig `json:"simulator" yaml:"simulator" mapstructure:"simulator"`
}

// SerialConfig 序列埠配置 (9600-8N1 固定)
type SerialConfig struct {
	Port    string        `json:"port" yaml:"port" mapstructure:"port" validate:"required"`
	SlaveID uint8         `json:"slave_id" yaml:"slave_id" mapstructure:"slave_id" validate:"gte=1,lte=247"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
}

// PollSettings 輪詢配置
type PollSettings struct {
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval" validate:"gte=0"`
}

// BoardConfig 板子配置，暫存器清單為空時使用板子預設佈局
type BoardConfig struct {
	Name               string `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Rregs              string `json:"rregs" yaml:"rregs" mapstructure:"rregs"`
	Rwregs             string `json:"rwregs" yaml:"rwregs" mapstructure:"rwregs"`
	Protected          string `json:"protected" yaml:"protected" mapstructure:"protected"`
	ProtectionRegister uint16 `json:"protection_register" yaml:"protection_register" mapstructure:"protection_register"`
}

// ReportConfig 報告通道配置
type ReportConfig struct {
	Buffer int `json:"buffer" yaml:"buffer" mapstructure:"buffer" validate:"gte=1"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `json:"format" yaml:"format" mapstructure:"format" validate:"oneof=json console"`
	OutputPath string `json:"output_path" yaml:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint" validate:"startswith=/"`
	Port     int    `json:"port" yaml:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
}

// SimulatorConfig 板子模擬器配置，Device 非空時以 RTU 監聽
type SimulatorConfig struct {
	Device         string                    `json:"device" yaml:"device" mapstructure:"device"`
	Address        string                    `json:"address" yaml:"address" mapstructure:"address" validate:"required_without=Device"`
	Scenario       string                    `json:"scenario" yaml:"scenario" mapstructure:"scenario" validate:"oneof=normal gas_alarm jitter fault"`
	UpdateInterval time.Duration             `json:"update_interval" yaml:"update_interval" mapstructure:"update_interval" validate:"gt=0"`
	Scenarios      map[string]ScenarioParams `json:"scenarios" yaml:"scenarios" mapstructure:"scenarios" validate:"dive"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:    "/dev/ttyUSB0",
			SlaveID: 1,
			Timeout: DefaultTransactionTimeout,
		},
		Poll: PollSettings{
			Interval: DefaultPollInterval,
		},
		Board: BoardConfig{
			Name: Boards[1].Name,
		},
		Report: ReportConfig{
			Buffer: DefaultReportBuffer,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
		Simulator: SimulatorConfig{
			Address:        "127.0.0.1:5020",
			Scenario:       "normal",
			UpdateInterval: time.Second,
			Scenarios: map[string]ScenarioParams{
				"normal": {
					Noise: 2,
				},
				"gas_alarm": {
					Noise:      2,
					AlarmLevel: 500,
					Duration:   10 * time.Second,
				},
				"jitter": {
					JitterMin: 50 * time.Millisecond,
					JitterMax: 150 * time.Millisecond,
				},
				"fault": {
					FaultRate: 0.05,
				},
			},
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rgms-konfig/")
		v.AddConfigPath("$HOME/.rgms-konfig/")
	}

	// 環境變數覆蓋，例如 RGMS_SERIAL_PORT
	v.SetEnvPrefix("RGMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// setDefaults 讓 AutomaticEnv 在沒有配置檔時也能覆蓋每個鍵
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("serial.port", cfg.Serial.Port)
	v.SetDefault("serial.slave_id", cfg.Serial.SlaveID)
	v.SetDefault("serial.timeout", cfg.Serial.Timeout)
	v.SetDefault("poll.interval", cfg.Poll.Interval)
	v.SetDefault("board.name", cfg.Board.Name)
	v.SetDefault("board.rregs", cfg.Board.Rregs)
	v.SetDefault("board.rwregs", cfg.Board.Rwregs)
	v.SetDefault("board.protected", cfg.Board.Protected)
	v.SetDefault("board.protection_register", cfg.Board.ProtectionRegister)
	v.SetDefault("report.buffer", cfg.Report.Buffer)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output_path", cfg.Logging.OutputPath)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.endpoint", cfg.Metrics.Endpoint)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("simulator.device", cfg.Simulator.Device)
	v.SetDefault("simulator.address", cfg.Simulator.Address)
	v.SetDefault("simulator.scenario", cfg.Simulator.Scenario)
	v.SetDefault("simulator.update_interval", cfg.Simulator.UpdateInterval)
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Serial.Timeout < MinTransactionTimeout {
		return fmt.Errorf("交易逾時 %v 低於下限 %v", c.Serial.Timeout, MinTransactionTimeout)
	}

	if c.Poll.Interval > MaxPollInterval {
		return fmt.Errorf("輪詢間隔 %v 超過上限 %v", c.Poll.Interval, MaxPollInterval)
	}

	if _, err := c.ResolveBoard(); err != nil {
		return err
	}

	if _, err := c.PollConfig(); err != nil {
		return err
	}

	return nil
}

// ResolveBoard 取得配置的板子，並套用保護暫存器覆寫
func (c *Config) ResolveBoard() (Board, error) {
	board, err := LookupBoard(c.Board.Name)
	if err != nil {
		return Board{}, err
	}
	if c.Board.ProtectionRegister != 0 {
		board.ProtectionRegister = RegisterAddress(c.Board.ProtectionRegister)
	}
	return board, nil
}

// PollConfig 由配置建立輪詢參數
func (c *Config) PollConfig() (PollConfig, error) {
	board, err := c.ResolveBoard()
	if err != nil {
		return PollConfig{}, err
	}

	rregs, err := registerListOr(c.Board.Rregs, board.DefaultRregs())
	if err != nil {
		return PollConfig{}, fmt.Errorf("board.rregs: %w", err)
	}
	rwregs, err := registerListOr(c.Board.Rwregs, board.DefaultRwregs())
	if err != nil {
		return PollConfig{}, fmt.Errorf("board.rwregs: %w", err)
	}
	protected, err := registerListOr(c.Board.Protected, board.DefaultProtected())
	if err != nil {
		return PollConfig{}, fmt.Errorf("board.protected: %w", err)
	}

	return PollConfig{
		TTYPath:            c.Serial.Port,
		SlaveID:            c.Serial.SlaveID,
		Rregs:              NewRregs(rregs),
		Rwregs:             NewRwregs(rwregs, protected),
		ProtectionRegister: board.ProtectionRegister,
	}, nil
}

func registerListOr(s string, def []RegisterAddress) ([]RegisterAddress, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return ParseRegisterList(s)
}

// Connect 由配置建立 Connect 指令
func (c *Config) Connect() (Connect, error) {
	pc, err := c.PollConfig()
	if err != nil {
		return Connect{}, err
	}
	return Connect(pc), nil
}

// MasterOptions 由配置建立 ModbusMaster 選項
func (c *Config) MasterOptions(logger *zap.Logger, metrics *Metrics) []MasterOption {
	return []MasterOption{
		WithLogger(logger),
		WithMetrics(metrics),
		WithPollInterval(c.Poll.Interval),
		WithTransactionTimeout(c.Serial.Timeout),
		WithReportBuffer(c.Report.Buffer),
	}
}

// SimulatorEndpoint 模擬器監聽位置
func (c *Config) SimulatorEndpoint() SimulatorEndpoint {
	return SimulatorEndpoint{Device: c.Simulator.Device, Address: c.Simulator.Address}
}

// SimulatorOptions 由配置建立模擬器選項
func (c *Config) SimulatorOptions(logger *zap.Logger, metrics *Metrics) ([]SimulatorOption, error) {
	pc, err := c.PollConfig()
	if err != nil {
		return nil, err
	}

	var protected []RegisterAddress
	for _, r := range pc.Rwregs {
		if r.Protected {
			protected = append(protected, r.Address)
		}
	}
	board, _ := c.ResolveBoard()
	protected = append(protected, board.DefaultProtected()...)

	scenario := ParseScenarioType(c.Simulator.Scenario)
	return []SimulatorOption{
		WithSimSlaveID(c.Serial.SlaveID),
		WithSimProtectionRegister(pc.ProtectionRegister),
		WithSimProtected(protected),
		WithSimScenario(scenario, c.Simulator.Scenarios[scenario.String()]),
		WithSimUpdateInterval(c.Simulator.UpdateInterval),
		WithSimLogger(logger),
		WithSimMetrics(metrics),
	}, nil
}

// SaveConfig 儲存配置到檔案 (YAML)
func (c *Config) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}
