package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectedWrite_Sequence(t *testing.T) {
	dev := newFakeDevice()
	session, err := dev.Open(context.Background(), "", 1)
	require.NoError(t, err)

	settle := 20 * time.Millisecond
	err = protectedWrite(context.Background(), session, 49, 10, CalibrationValue, settle)
	require.NoError(t, err)

	writes := dev.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, RegisterAddress(49), writes[0].Address)
	assert.Equal(t, UnlockValue, writes[0].Value)
	assert.Equal(t, RegisterAddress(10), writes[1].Address)
	assert.Equal(t, uint16(11111), writes[1].Value)
	assert.GreaterOrEqual(t, writes[1].At.Sub(writes[0].At), settle)
}

func TestProtectedWrite_UnlockFails(t *testing.T) {
	dev := newFakeDevice()
	dev.failWrite[79] = errors.New("slave device failure")
	session, _ := dev.Open(context.Background(), "", 1)

	err := protectedWrite(context.Background(), session, 79, 99, 150, 0)

	var writeErr *RegisterWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, RegisterAddress(79), writeErr.Address)
	assert.Equal(t, UnlockValue, writeErr.Value)
	assert.Len(t, dev.Writes(), 1, "解鎖失敗時不得寫入目標暫存器")
}

func TestProtectedWrite_TargetFails(t *testing.T) {
	dev := newFakeDevice()
	dev.failWrite[80] = &ModbusError{Code: ExceptionCodeIllegalDataValue}
	session, _ := dev.Open(context.Background(), "", 1)

	err := protectedWrite(context.Background(), session, 49, 80, 5, 0)

	var writeErr *RegisterWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, RegisterAddress(80), writeErr.Address)
	assert.Equal(t, uint16(5), writeErr.Value)

	var mbErr *ModbusError
	require.ErrorAs(t, err, &mbErr)
	assert.Equal(t, "非法資料值", mbErr.Error())
}

func TestUnlock_CancelledDuringSettle(t *testing.T) {
	dev := newFakeDevice()
	session, _ := dev.Open(context.Background(), "", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := unlock(ctx, session, 49, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProtectedWrite_CancelledSkipsTarget(t *testing.T) {
	dev := newFakeDevice()
	session, _ := dev.Open(context.Background(), "", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := protectedWrite(ctx, session, 49, RegWorkingMode, 3, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"open", "write 49=9876"}, dev.Trace())
}
