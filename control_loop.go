package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// LoopState 控制迴圈狀態
type LoopState int32

const (
	LoopStateIdle LoopState = iota
	LoopStatePolling
)

func (s LoopState) String() string {
	switch s {
	case LoopStateIdle:
		return "idle"
	case LoopStatePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// startInstruction 由 dispatcher 轉送的輪詢開始指令
type startInstruction struct {
	config PollConfig
	online *atomic.Bool
}

// controlLoop 背景輪詢 worker，第一次 Start 時才啟動
type controlLoop struct {
	mailbox  chan startInstruction
	state    atomic.Int32
	poller   *Poller
	interval time.Duration
	emit     func(ctx context.Context, r Report) bool

	ctx    context.Context
	once   sync.Once
	wg     *sync.WaitGroup
	logger *zap.Logger
}

func newControlLoop(ctx context.Context, wg *sync.WaitGroup, poller *Poller, interval time.Duration, emit func(context.Context, Report) bool, logger *zap.Logger) *controlLoop {
	return &controlLoop{
		mailbox:  make(chan startInstruction, 1),
		poller:   poller,
		interval: interval,
		emit:     emit,
		ctx:      ctx,
		wg:       wg,
		logger:   logger,
	}
}

// Start 非阻塞地送出開始指令；信箱已滿時回傳 ErrMailboxUnreachable
func (l *controlLoop) Start(inst startInstruction) error {
	l.once.Do(func() {
		l.wg.Add(1)
		go l.run()
	})

	select {
	case l.mailbox <- inst:
		return nil
	default:
		return ErrMailboxUnreachable
	}
}

// State 取得當前狀態
func (l *controlLoop) State() LoopState {
	return LoopState(l.state.Load())
}

func (l *controlLoop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case inst := <-l.mailbox:
			l.state.Store(int32(LoopStatePolling))
			l.logger.Info("開始輪詢",
				zap.String("tty", inst.config.TTYPath),
				zap.Uint8("slave", inst.config.SlaveID),
				zap.Int("rregs", len(inst.config.Rregs)),
				zap.Int("rwregs", len(inst.config.Rwregs)),
			)
			l.poll(inst)
			l.state.Store(int32(LoopStateIdle))
			l.logger.Info("輪詢已停止", zap.String("tty", inst.config.TTYPath))
		}
	}
}

// poll 每個迭代開頭檢查一次 online 旗標，迭代中途不中斷
func (l *controlLoop) poll(inst startInstruction) {
	for inst.online.Load() {
		rregs, err := l.poller.ReadRregs(l.ctx, inst.config)
		if err != nil {
			l.logger.Warn("讀取 Rreg 批次失敗", zap.Error(err))
			if !l.emit(l.ctx, newStatus(LevelWarning, "讀取 Rreg 失敗: %v", err)) {
				return
			}
		}
		if !l.emit(l.ctx, PollRregsUpdate{Values: rregs, Err: err}) {
			return
		}

		rwregs, err := l.poller.ReadRwregs(l.ctx, inst.config)
		if err != nil {
			l.logger.Warn("讀取 Rwreg 批次失敗", zap.Error(err))
			if !l.emit(l.ctx, newStatus(LevelWarning, "讀取 Rwreg 失敗: %v", err)) {
				return
			}
		}
		if !l.emit(l.ctx, PollRwregsUpdate{Values: rwregs, Err: err}) {
			return
		}

		if l.interval > 0 {
			t := time.NewTimer(l.interval)
			select {
			case <-t.C:
			case <-l.ctx.Done():
				t.Stop()
				return
			}
		} else if l.ctx.Err() != nil {
			return
		}
	}
}
