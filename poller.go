package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PollConfig 一次輪詢工作階段的參數，Connect 時建立後不再變動
type PollConfig struct {
	TTYPath            string
	SlaveID            uint8
	Rregs              []Rreg
	Rwregs             []Rwreg
	ProtectionRegister RegisterAddress
}

// Poller 依序讀取暫存器批次
type Poller struct {
	conn    *ConnectionContext
	settle  time.Duration
	logger  *zap.Logger
	metrics *Metrics
}

// NewPoller 建立批次讀取器
func NewPoller(conn *ConnectionContext, settle time.Duration, logger *zap.Logger, metrics *Metrics) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		conn:    conn,
		settle:  settle,
		logger:  logger,
		metrics: metrics,
	}
}

// ReadRregs 依序讀取所有輸入暫存器 (FC 04)
//
// 任一暫存器失敗時回傳該錯誤，已讀取的值一併捨棄。
func (p *Poller) ReadRregs(ctx context.Context, cfg PollConfig) (PollResult, error) {
	result := make(PollResult, 0, len(cfg.Rregs))
	for _, reg := range cfg.Rregs {
		addr := reg.Address
		var value uint16
		err := p.conn.Transact(ctx, cfg.TTYPath, cfg.SlaveID, "read_input", func(_ context.Context, s Session) error {
			v, err := s.ReadInputRegister(addr)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		if err != nil {
			p.metrics.ObservePoll("rregs", err)
			p.logger.Debug("讀取 Rreg 失敗", zap.Uint16("register", uint16(addr)), zap.Error(err))
			return nil, &RegisterReadError{Address: addr, FunctionCode: FuncCodeReadInputRegisters, Err: err}
		}
		result = append(result, RegisterValue{Address: addr, Value: value})
	}

	p.metrics.ObservePoll("rregs", nil)
	return result, nil
}

// ReadRwregs 依序讀取所有保持暫存器 (FC 03)
//
// 受保護的暫存器在每次讀取前都會重新解鎖一次。
func (p *Poller) ReadRwregs(ctx context.Context, cfg PollConfig) (PollResult, error) {
	result := make(PollResult, 0, len(cfg.Rwregs))
	for _, reg := range cfg.Rwregs {
		var value uint16
		err := p.conn.Transact(ctx, cfg.TTYPath, cfg.SlaveID, "read_holding", func(ctx context.Context, s Session) error {
			if reg.Protected {
				if err := unlock(ctx, s, cfg.ProtectionRegister, p.settle); err != nil {
					return err
				}
			}
			v, err := s.ReadHoldingRegister(reg.Address)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		if err != nil {
			p.metrics.ObservePoll("rwregs", err)
			p.logger.Debug("讀取 Rwreg 失敗",
				zap.Uint16("register", uint16(reg.Address)),
				zap.Bool("protected", reg.Protected),
				zap.Error(err),
			)
			return nil, &RegisterReadError{Address: reg.Address, FunctionCode: FuncCodeReadHoldingRegisters, Err: err}
		}
		result = append(result, RegisterValue{Address: reg.Address, Value: value})
	}

	p.metrics.ObservePoll("rwregs", nil)
	return result, nil
}
