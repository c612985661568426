package main

import "time"

// Modbus 協議常數
const (
	// Modbus 功能碼
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleRegisters = 0x10

	// Modbus 異常碼
	ExceptionCodeIllegalFunction         = 0x01
	ExceptionCodeIllegalDataAddress      = 0x02
	ExceptionCodeIllegalDataValue        = 0x03
	ExceptionCodeSlaveDeviceFailure      = 0x04
	ExceptionCodeAcknowledge             = 0x05
	ExceptionCodeSlaveDeviceBusy         = 0x06
	ExceptionCodeMemoryParityError       = 0x08
	ExceptionCodeGatewayPathUnavailable  = 0x0A
	ExceptionCodeGatewayTargetNoResponse = 0x0B
)

// 序列埠參數 (固定 9600-8N1，不開放設定)
const (
	SerialBaudRate = 9600
	SerialDataBits = 8
	SerialParity   = "N"
	SerialStopBits = 1
)

// 保護暫存器解鎖
const (
	// UnlockValue 寫入保護暫存器的解鎖魔術值
	UnlockValue uint16 = 9876

	// SettleDelay 解鎖後硬體需要的等待時間
	SettleDelay = 20 * time.Millisecond

	// DefaultProtectionRegister 大多數板子使用的保護暫存器
	DefaultProtectionRegister RegisterAddress = 49
)

// 校正與設定用暫存器
const (
	RegNullgasSensor1 RegisterAddress = 10
	RegMessgasSensor1 RegisterAddress = 12
	RegNullgasSensor2 RegisterAddress = 20
	RegMessgasSensor2 RegisterAddress = 22
	RegModbusID       RegisterAddress = 80
	RegMcsBusID       RegisterAddress = 95
	RegWorkingMode    RegisterAddress = 99

	// CalibrationValue Nullgas/Messgas 觸發值
	CalibrationValue uint16 = 11111
)

// 時序預設值
const (
	DefaultTransactionTimeout = 100 * time.Millisecond
	MinTransactionTimeout     = 30 * time.Millisecond // 9600 baud 下單一暫存器請求約需 25-29ms
	DefaultPollInterval       = 1000 * time.Millisecond
	MaxPollInterval           = 1000 * time.Millisecond
	DefaultReportBuffer       = 64
)

// RegisterType 暫存器類型
type RegisterType int

const (
	RegisterTypeInputRegister RegisterType = iota
	RegisterTypeHoldingRegister
)

func (rt RegisterType) String() string {
	switch rt {
	case RegisterTypeInputRegister:
		return "InputRegister"
	case RegisterTypeHoldingRegister:
		return "HoldingRegister"
	default:
		return "Unknown"
	}
}

// FunctionCode 返回讀取該類型暫存器所用的功能碼
func (rt RegisterType) FunctionCode() uint8 {
	if rt == RegisterTypeInputRegister {
		return FuncCodeReadInputRegisters
	}
	return FuncCodeReadHoldingRegisters
}
