package main

import "fmt"

// Command 送入 ModbusMaster 的指令
type Command interface {
	commandName() string
}

// Connect 開始輪詢
type Connect struct {
	TTYPath            string
	SlaveID            uint8
	Rregs              []Rreg
	Rwregs             []Rwreg
	ProtectionRegister RegisterAddress
}

// Disconnect 停止輪詢
type Disconnect struct{}

// Nullgas 零點校正
type Nullgas struct {
	TTYPath            string
	SlaveID            uint8
	ProtectionRegister RegisterAddress
	SensorNum          int
}

// Messgas 量程氣體校正
type Messgas struct {
	TTYPath            string
	SlaveID            uint8
	ProtectionRegister RegisterAddress
	SensorNum          int
}

// SetNewWorkingMode 設定工作模式 (會先停止輪詢)
type SetNewWorkingMode struct {
	TTYPath            string
	SlaveID            uint8
	WorkingMode        uint16
	ProtectionRegister RegisterAddress
}

// SetNewModbusID 設定新的 Modbus slave 位址
type SetNewModbusID struct {
	TTYPath            string
	SlaveID            uint8
	NewSlaveID         uint8
	ProtectionRegister RegisterAddress
}

// SetNewMcsBusID 設定新的 MCS bus 位址
type SetNewMcsBusID struct {
	TTYPath            string
	SlaveID            uint8
	NewSlaveID         uint8
	ProtectionRegister RegisterAddress
}

// UpdateRegister 寫入任意保持暫存器
type UpdateRegister struct {
	TTYPath            string
	SlaveID            uint8
	RegNr              RegisterAddress
	ProtectionRegister RegisterAddress
	NewValue           uint16
}

func (Connect) commandName() string           { return "connect" }
func (Disconnect) commandName() string        { return "disconnect" }
func (Nullgas) commandName() string           { return "nullgas" }
func (Messgas) commandName() string           { return "messgas" }
func (SetNewWorkingMode) commandName() string { return "working_mode" }
func (SetNewModbusID) commandName() string    { return "modbus_id" }
func (SetNewMcsBusID) commandName() string    { return "mcs_bus_id" }
func (UpdateRegister) commandName() string    { return "update_register" }

// nullgasRegister 感測器 1 → 10，感測器 2 → 20
func nullgasRegister(sensorNum int) (RegisterAddress, error) {
	switch sensorNum {
	case 1:
		return RegNullgasSensor1, nil
	case 2:
		return RegNullgasSensor2, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidSensor, sensorNum)
	}
}

// messgasRegister 感測器 1 → 12，感測器 2 → 22
func messgasRegister(sensorNum int) (RegisterAddress, error) {
	switch sensorNum {
	case 1:
		return RegMessgasSensor1, nil
	case 2:
		return RegMessgasSensor2, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidSensor, sensorNum)
	}
}
