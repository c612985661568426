package main

import (
	"context"
	"time"
)

// unlock 寫入解鎖值到保護暫存器，並等待硬體穩定
func unlock(ctx context.Context, session Session, protectionRegister RegisterAddress, settle time.Duration) error {
	if err := session.WriteSingleRegister(protectionRegister, UnlockValue); err != nil {
		return &RegisterWriteError{Address: protectionRegister, Value: UnlockValue, Err: err}
	}

	t := time.NewTimer(settle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return classify(ctx.Err())
	}
}

// protectedWrite 解鎖 → 等待 → 寫入目標暫存器
func protectedWrite(ctx context.Context, session Session, protectionRegister, target RegisterAddress, value uint16, settle time.Duration) error {
	if err := unlock(ctx, session, protectionRegister, settle); err != nil {
		return err
	}
	// 呼叫端已放棄時不得再寫入目標
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	if err := session.WriteSingleRegister(target, value); err != nil {
		return &RegisterWriteError{Address: target, Value: value, Err: err}
	}
	return nil
}
