package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// SimulatorState 模擬器狀態
type SimulatorState int32

const (
	SimulatorStateStopped SimulatorState = iota
	SimulatorStateStarting
	SimulatorStateRunning
	SimulatorStateStopping
)

func (s SimulatorState) String() string {
	switch s {
	case SimulatorStateStopped:
		return "stopped"
	case SimulatorStateStarting:
		return "starting"
	case SimulatorStateRunning:
		return "running"
	case SimulatorStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SimulatorEndpoint 模擬器監聽位置，Device 非空時走 RTU，否則走 TCP
type SimulatorEndpoint struct {
	Device  string
	Address string
}

func (e SimulatorEndpoint) String() string {
	if e.Device != "" {
		return e.Device
	}
	return e.Address
}

// BoardSimulator 模擬一塊 RA-GAS 感測器板
type BoardSimulator struct {
	mu sync.Mutex

	Board   Board
	SlaveID uint8

	state atomic.Int32

	registers  *RegisterMap
	protection RegisterAddress
	protected  map[RegisterAddress]bool
	unlocked   bool

	server   *mbserver.Server
	handler  *RequestHandler
	scenario *ScenarioEngine

	updateInterval time.Duration
	scenarioStop   context.CancelFunc
	scenarioDone   chan struct{}

	stats SimulatorStats

	logger  *zap.Logger
	metrics *Metrics
}

// SimulatorStats 模擬器統計資訊
type SimulatorStats struct {
	StartTime       time.Time
	RequestCount    atomic.Uint64
	ErrorCount      atomic.Uint64
	LastRequestTime atomic.Int64
	BytesReceived   atomic.Uint64
	BytesSent       atomic.Uint64
}

// SimulatorOption 模擬器配置選項
type SimulatorOption func(*BoardSimulator)

// WithSimSlaveID 設定 Slave ID
func WithSimSlaveID(id uint8) SimulatorOption {
	return func(s *BoardSimulator) {
		s.SlaveID = id
	}
}

// WithSimRegisters 設定自訂暫存器
func WithSimRegisters(rm *RegisterMap) SimulatorOption {
	return func(s *BoardSimulator) {
		s.registers = rm
	}
}

// WithSimProtected 設定受保護的暫存器
func WithSimProtected(addresses []RegisterAddress) SimulatorOption {
	return func(s *BoardSimulator) {
		s.protected = make(map[RegisterAddress]bool, len(addresses))
		for _, a := range addresses {
			s.protected[a] = true
		}
	}
}

// WithSimProtectionRegister 覆寫保護暫存器位址
func WithSimProtectionRegister(addr RegisterAddress) SimulatorOption {
	return func(s *BoardSimulator) {
		s.protection = addr
	}
}

// WithSimScenario 設定場景
func WithSimScenario(scenario ScenarioType, params ScenarioParams) SimulatorOption {
	return func(s *BoardSimulator) {
		s.scenario = NewScenarioEngine(scenario, params)
	}
}

// WithSimUpdateInterval 設定場景更新間隔
func WithSimUpdateInterval(d time.Duration) SimulatorOption {
	return func(s *BoardSimulator) {
		s.updateInterval = d
	}
}

// WithSimLogger 設定日誌
func WithSimLogger(logger *zap.Logger) SimulatorOption {
	return func(s *BoardSimulator) {
		s.logger = logger
	}
}

// WithSimMetrics 設定指標
func WithSimMetrics(m *Metrics) SimulatorOption {
	return func(s *BoardSimulator) {
		s.metrics = m
	}
}

// NewBoardSimulator 建立板子模擬器
func NewBoardSimulator(board Board, opts ...SimulatorOption) *BoardSimulator {
	s := &BoardSimulator{
		Board:          board,
		SlaveID:        1,
		protection:     board.ProtectionRegister,
		updateInterval: time.Second,
	}
	WithSimProtected(board.DefaultProtected())(s)

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.scenario == nil {
		s.scenario = NewScenarioEngine(ScenarioNormal, ScenarioParams{})
	}
	if s.registers == nil {
		s.registers = s.defaultRegisters()
	}
	s.handler = NewRequestHandler(s, s.logger)

	return s
}

// defaultRegisters 依板子大小建立暫存器，並涵蓋指令用到的高位址
func (s *BoardSimulator) defaultRegisters() *RegisterMap {
	holding := s.Board.RwregCount
	for _, a := range append(s.Board.DefaultProtected(), s.protection) {
		if int(a) >= holding {
			holding = int(a) + 1
		}
	}
	rm := NewRegisterMap(s.Board.RregCount, holding)
	_ = rm.WriteHoldingRegister(uint16(RegModbusID), uint16(s.SlaveID))
	_ = rm.WriteHoldingRegister(uint16(RegMcsBusID), uint16(s.SlaveID))
	return rm
}

// Start 啟動模擬器
func (s *BoardSimulator) Start(ctx context.Context, endpoint SimulatorEndpoint) error {
	if !s.state.CompareAndSwap(int32(SimulatorStateStopped), int32(SimulatorStateStarting)) {
		return fmt.Errorf("模擬器 %s 已經在運行中", s.Board.Name)
	}

	s.server = mbserver.NewServer()
	s.handler.register(s.server)

	s.stats.StartTime = time.Now()

	var err error
	if endpoint.Device != "" {
		err = s.server.ListenRTU(&serial.Config{
			Address:  endpoint.Device,
			BaudRate: SerialBaudRate,
			DataBits: SerialDataBits,
			StopBits: SerialStopBits,
			Parity:   SerialParity,
			Timeout:  10 * time.Second,
		})
	} else {
		err = s.server.ListenTCP(endpoint.Address)
	}
	if err != nil {
		s.server.Close()
		s.state.Store(int32(SimulatorStateStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", endpoint, err)
	}

	// 啟動場景更新
	var scenarioCtx context.Context
	scenarioCtx, s.scenarioStop = context.WithCancel(ctx)
	s.scenarioDone = make(chan struct{})
	go s.runScenarioUpdater(scenarioCtx)

	s.state.Store(int32(SimulatorStateRunning))

	scenario, _ := s.scenario.GetScenario()
	s.logger.Info("模擬器已啟動",
		zap.String("board", s.Board.Name),
		zap.String("endpoint", endpoint.String()),
		zap.Uint8("slaveID", s.SlaveID),
		zap.Uint16("protectionRegister", uint16(s.protection)),
		zap.String("scenario", scenario.String()),
	)

	return nil
}

// Stop 停止模擬器
func (s *BoardSimulator) Stop() error {
	if !s.state.CompareAndSwap(int32(SimulatorStateRunning), int32(SimulatorStateStopping)) {
		return nil // 已經停止
	}

	if s.scenarioStop != nil {
		s.scenarioStop()
		<-s.scenarioDone
	}

	if s.server != nil {
		s.server.Close()
	}

	s.state.Store(int32(SimulatorStateStopped))

	s.logger.Info("模擬器已停止",
		zap.String("board", s.Board.Name),
		zap.Duration("uptime", time.Since(s.stats.StartTime)),
		zap.Uint64("requests", s.stats.RequestCount.Load()),
		zap.Uint64("errors", s.stats.ErrorCount.Load()),
	)

	return nil
}

// State 取得當前狀態
func (s *BoardSimulator) State() SimulatorState {
	return SimulatorState(s.state.Load())
}

// GetStats 取得統計資訊
func (s *BoardSimulator) GetStats() *SimulatorStats {
	return &s.stats
}

// Registers 取得暫存器映射
func (s *BoardSimulator) Registers() *RegisterMap {
	return s.registers
}

// Scenario 取得場景引擎
func (s *BoardSimulator) Scenario() *ScenarioEngine {
	return s.scenario
}

// ProtectionRegister 保護暫存器位址
func (s *BoardSimulator) ProtectionRegister() RegisterAddress {
	return s.protection
}

// IsProtected 是否為受保護暫存器
func (s *BoardSimulator) IsProtected(addr RegisterAddress) bool {
	return s.protected[addr]
}

// Unlocked 目前是否處於解鎖狀態
func (s *BoardSimulator) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked
}

func (s *BoardSimulator) unlock() {
	s.mu.Lock()
	s.unlocked = true
	s.mu.Unlock()
	s.logger.Debug("保護暫存器已解鎖", zap.Uint16("register", uint16(s.protection)))
}

// consumeUnlock 取用解鎖狀態，解鎖只能使用一次
func (s *BoardSimulator) consumeUnlock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.unlocked
	s.unlocked = false
	return ok
}

// applyWrite 記錄寫入指令暫存器造成的板子行為
func (s *BoardSimulator) applyWrite(addr RegisterAddress, value uint16) {
	switch addr {
	case RegNullgasSensor1, RegNullgasSensor2:
		s.logger.Info("零點校正", zap.Uint16("register", uint16(addr)), zap.Uint16("value", value))
	case RegMessgasSensor1, RegMessgasSensor2:
		s.logger.Info("量測氣體校正", zap.Uint16("register", uint16(addr)), zap.Uint16("value", value))
	case RegModbusID:
		s.logger.Info("Modbus ID 已變更", zap.Uint16("value", value))
	case RegMcsBusID:
		s.logger.Info("MCS Bus ID 已變更", zap.Uint16("value", value))
	case RegWorkingMode:
		mode, ok := LookupWorkingMode(value)
		name := "unknown"
		if ok {
			name = mode.Name
		}
		s.logger.Info("工作模式已變更", zap.Uint16("value", value), zap.String("mode", name))
	}
}

// runScenarioUpdater 運行場景更新器
func (s *BoardSimulator) runScenarioUpdater(ctx context.Context) {
	defer close(s.scenarioDone)

	interval := s.updateInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scenario.Update(s.registers)
		}
	}
}

// recordRequest 記錄請求
func (s *BoardSimulator) recordRequest(bytesIn, bytesOut int, hasError bool) {
	s.stats.RequestCount.Add(1)
	s.stats.LastRequestTime.Store(time.Now().UnixNano())
	s.stats.BytesReceived.Add(uint64(bytesIn))
	s.stats.BytesSent.Add(uint64(bytesOut))
	if hasError {
		s.stats.ErrorCount.Add(1)
	}
}
