package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
)

var (
	// ErrTimeout 交易超過固定逾時
	ErrTimeout = errors.New("modbus 交易逾時")

	// ErrMailboxUnreachable 目標信箱已滿，指令無法送達
	ErrMailboxUnreachable = errors.New("信箱已滿，無法送達")

	// ErrMasterClosed master 已關閉
	ErrMasterClosed = errors.New("modbus master 已關閉")

	// ErrInvalidSensor 感測器編號不是 1 或 2
	ErrInvalidSensor = errors.New("無效的感測器編號")
)

// ConnectionKind 連線錯誤類型
type ConnectionKind int

const (
	ConnIO ConnectionKind = iota
	ConnProtocol
)

func (k ConnectionKind) String() string {
	switch k {
	case ConnIO:
		return "io"
	case ConnProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// ConnectionError 開啟序列埠或建立 Modbus 連線失敗
type ConnectionError struct {
	Kind ConnectionKind
	Path string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("連線 %s 失敗 (%s): %v", e.Path, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// newConnectionError 依底層錯誤判斷類型
func newConnectionError(path string, err error) *ConnectionError {
	kind := ConnProtocol
	var pathErr *fs.PathError
	var errno syscall.Errno
	if errors.As(err, &pathErr) || errors.As(err, &errno) {
		kind = ConnIO
	}
	return &ConnectionError{Kind: kind, Path: path, Err: classify(err)}
}

// RegisterReadError 讀取暫存器失敗
type RegisterReadError struct {
	Address      RegisterAddress
	FunctionCode uint8
	Err          error
}

func (e *RegisterReadError) Error() string {
	return fmt.Sprintf("讀取暫存器 %d (FC %02X) 失敗: %v", e.Address, e.FunctionCode, e.Err)
}

func (e *RegisterReadError) Unwrap() error { return e.Err }

// RegisterWriteError 寫入暫存器失敗
type RegisterWriteError struct {
	Address RegisterAddress
	Value   uint16
	Err     error
}

func (e *RegisterWriteError) Error() string {
	return fmt.Sprintf("寫入暫存器 %d = %d 失敗: %v", e.Address, e.Value, e.Err)
}

func (e *RegisterWriteError) Unwrap() error { return e.Err }

// ModbusError Modbus 異常回應
type ModbusError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ModbusError) Error() string {
	switch e.Code {
	case ExceptionCodeIllegalFunction:
		return "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		return "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		return "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		return "從站設備故障"
	case ExceptionCodeAcknowledge:
		return "確認"
	case ExceptionCodeSlaveDeviceBusy:
		return "從站設備忙碌"
	case ExceptionCodeMemoryParityError:
		return "記憶體同位錯誤"
	case ExceptionCodeGatewayPathUnavailable:
		return "閘道路徑不可用"
	case ExceptionCodeGatewayTargetNoResponse:
		return "閘道目標無回應"
	default:
		return "未知錯誤"
	}
}

// classify 將 goburrow 與 context 的錯誤轉換為本地錯誤類型
func classify(err error) error {
	if err == nil {
		return nil
	}

	var mbErr *modbus.ModbusError
	switch {
	case errors.Is(err, serial.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.As(err, &mbErr):
		return &ModbusError{FunctionCode: mbErr.FunctionCode, Code: mbErr.ExceptionCode}
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
