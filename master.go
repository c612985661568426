package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ModbusMaster 指令分派器
//
// 指令經單格信箱送入，所有結果經 Reports() 非同步回報。Send 永不阻塞。
type ModbusMaster struct {
	commands chan Command
	reports  chan Report

	online atomic.Bool
	closed atomic.Bool

	conn   *ConnectionContext
	poller *Poller
	loop   *controlLoop

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// 選項
	dialer       Dialer
	interval     time.Duration
	timeout      time.Duration
	settle       time.Duration
	reportBuffer int
	logger       *zap.Logger
	metrics      *Metrics
}

// MasterOption ModbusMaster 配置選項
type MasterOption func(*ModbusMaster)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) MasterOption {
	return func(m *ModbusMaster) {
		m.logger = logger
	}
}

// WithDialer 設定連線建立方式 (預設依路徑選擇 RTU 或 TCP)
func WithDialer(d Dialer) MasterOption {
	return func(m *ModbusMaster) {
		m.dialer = d
	}
}

// WithMetrics 設定指標
func WithMetrics(metrics *Metrics) MasterOption {
	return func(m *ModbusMaster) {
		m.metrics = metrics
	}
}

// WithPollInterval 設定迭代間隔 (0 ~ 1s)
func WithPollInterval(d time.Duration) MasterOption {
	return func(m *ModbusMaster) {
		m.interval = d
	}
}

// WithTransactionTimeout 設定 connect/read/write 各自的逾時
func WithTransactionTimeout(d time.Duration) MasterOption {
	return func(m *ModbusMaster) {
		m.timeout = d
	}
}

// WithSettleDelay 設定解鎖後等待時間
func WithSettleDelay(d time.Duration) MasterOption {
	return func(m *ModbusMaster) {
		m.settle = d
	}
}

// WithReportBuffer 設定報告通道容量
func WithReportBuffer(n int) MasterOption {
	return func(m *ModbusMaster) {
		m.reportBuffer = n
	}
}

// NewModbusMaster 建立並啟動 dispatcher worker
func NewModbusMaster(opts ...MasterOption) *ModbusMaster {
	m := &ModbusMaster{
		commands:     make(chan Command, 1),
		interval:     DefaultPollInterval,
		timeout:      DefaultTransactionTimeout,
		settle:       SettleDelay,
		reportBuffer: DefaultReportBuffer,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.dialer == nil {
		m.dialer = &AutoDialer{Timeout: m.timeout}
	}
	if m.interval < 0 {
		m.interval = 0
	}
	if m.interval > MaxPollInterval {
		m.interval = MaxPollInterval
	}
	if m.reportBuffer < 0 {
		m.reportBuffer = 0
	}

	m.reports = make(chan Report, m.reportBuffer)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.conn = NewConnectionContext(m.dialer, m.timeout, m.logger, m.metrics)
	m.poller = NewPoller(m.conn, m.settle, m.logger, m.metrics)
	m.loop = newControlLoop(m.ctx, &m.wg, m.poller, m.interval, m.emit, m.logger.Named("loop"))

	m.wg.Add(1)
	go m.dispatch()

	return m
}

// Send 非阻塞地送出指令；信箱已被佔用時回傳 ErrMailboxUnreachable
func (m *ModbusMaster) Send(cmd Command) error {
	if m.closed.Load() {
		return ErrMasterClosed
	}

	select {
	case m.commands <- cmd:
		return nil
	default:
		m.logger.Warn("指令信箱已滿", zap.String("command", cmd.commandName()))
		m.metrics.ObserveCommand(cmd.commandName(), ErrMailboxUnreachable)
		return ErrMailboxUnreachable
	}
}

// Reports 返回報告通道，Close 後關閉
func (m *ModbusMaster) Reports() <-chan Report {
	return m.reports
}

// IsOnline 目前是否要求輪詢
func (m *ModbusMaster) IsOnline() bool {
	return m.online.Load()
}

// LoopState 控制迴圈目前狀態
func (m *ModbusMaster) LoopState() LoopState {
	return m.loop.State()
}

// Close 停止所有 worker 並關閉報告通道
//
// 進行中的交易會在各自的逾時內結束。
func (m *ModbusMaster) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.setOnline(false)
		m.cancel()
		m.wg.Wait()
		close(m.reports)
	})
	return nil
}

func (m *ModbusMaster) dispatch() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case cmd := <-m.commands:
			m.handle(cmd)
		}
	}
}

func (m *ModbusMaster) handle(cmd Command) {
	m.logger.Debug("處理指令", zap.String("command", cmd.commandName()))

	switch c := cmd.(type) {
	case Connect:
		m.setOnline(true)
		err := m.loop.Start(startInstruction{
			config: PollConfig{
				TTYPath:            c.TTYPath,
				SlaveID:            c.SlaveID,
				Rregs:              c.Rregs,
				Rwregs:             c.Rwregs,
				ProtectionRegister: c.ProtectionRegister,
			},
			online: &m.online,
		})
		m.metrics.ObserveCommand(c.commandName(), err)
		if err != nil {
			m.logger.Warn("無法送達控制迴圈", zap.Error(err))
			m.emit(m.ctx, newStatus(LevelWarning, "Control Loop 無法送達: %v", err))
		}

	case Disconnect:
		m.setOnline(false)
		m.metrics.ObserveCommand(c.commandName(), nil)

	case Nullgas:
		reg, err := nullgasRegister(c.SensorNum)
		if err != nil {
			m.reject(c, LevelError, err)
			return
		}
		m.oneShot(c, c.TTYPath, c.SlaveID, c.ProtectionRegister, reg, CalibrationValue, LevelError)

	case Messgas:
		reg, err := messgasRegister(c.SensorNum)
		if err != nil {
			m.reject(c, LevelError, err)
			return
		}
		m.oneShot(c, c.TTYPath, c.SlaveID, c.ProtectionRegister, reg, CalibrationValue, LevelError)

	case SetNewWorkingMode:
		m.setOnline(false)
		m.oneShot(c, c.TTYPath, c.SlaveID, c.ProtectionRegister, RegWorkingMode, c.WorkingMode, LevelWarning)

	case SetNewModbusID:
		m.oneShot(c, c.TTYPath, c.SlaveID, c.ProtectionRegister, RegModbusID, uint16(c.NewSlaveID), LevelWarning)

	case SetNewMcsBusID:
		m.oneShot(c, c.TTYPath, c.SlaveID, c.ProtectionRegister, RegMcsBusID, uint16(c.NewSlaveID), LevelWarning)

	case UpdateRegister:
		m.oneShot(c, c.TTYPath, c.SlaveID, c.ProtectionRegister, c.RegNr, c.NewValue, LevelWarning)

	default:
		m.reject(cmd, LevelWarning, errors.New("未知的指令"))
	}
}

// oneShot 執行一次受保護寫入並回報結果
func (m *ModbusMaster) oneShot(cmd Command, ttyPath string, slaveID uint8, protection, target RegisterAddress, value uint16, failLevel StatusLevel) {
	err := m.conn.Transact(m.ctx, ttyPath, slaveID, "protected_write", func(ctx context.Context, s Session) error {
		return protectedWrite(ctx, s, protection, target, value, m.settle)
	})
	m.metrics.ObserveCommand(cmd.commandName(), err)

	if err != nil {
		m.logger.Warn("指令執行失敗",
			zap.String("command", cmd.commandName()),
			zap.Uint16("register", uint16(target)),
			zap.Uint16("value", value),
			zap.Error(err),
		)
		m.emit(m.ctx, newStatus(failLevel, "%s 失敗: 暫存器 %d = %d: %v", cmd.commandName(), target, value, err))
		return
	}

	m.logger.Info("指令執行成功",
		zap.String("command", cmd.commandName()),
		zap.Uint16("register", uint16(target)),
		zap.Uint16("value", value),
	)
	m.emit(m.ctx, newStatus(LevelInfo, "%s 成功: 暫存器 %d = %d", cmd.commandName(), target, value))
}

func (m *ModbusMaster) reject(cmd Command, level StatusLevel, err error) {
	m.metrics.ObserveCommand(cmd.commandName(), err)
	m.logger.Warn("指令被拒絕", zap.String("command", cmd.commandName()), zap.Error(err))
	m.emit(m.ctx, newStatus(level, "%s 被拒絕: %v", cmd.commandName(), err))
}

func (m *ModbusMaster) setOnline(online bool) {
	m.online.Store(online)
	m.metrics.SetOnline(online)
}

// emit 送出報告；報告通道滿時阻塞 worker (不阻塞呼叫端)，master 關閉時放棄
func (m *ModbusMaster) emit(ctx context.Context, r Report) bool {
	select {
	case m.reports <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
