package main

import (
	"fmt"
	"strconv"
	"strings"
)

// Board 支援的感測器板 (Platine)
type Board struct {
	ID                 int
	Name               string
	Description        string
	ProtectionRegister RegisterAddress
	RregCount          int
	RwregCount         int
}

// Boards 支援的板子清單，依 ID 排序
var Boards = []Board{
	{ID: 0, Name: "Sensor-MB-NE4-V1.0", Description: "Erste Sensorplatine für Messzellen vom Typ NE4, bis Softwarestand: 25050", ProtectionRegister: DefaultProtectionRegister, RregCount: 14, RwregCount: 35},
	{ID: 1, Name: "Sensor-MB-NE4_REV1_0", Description: "Platine für NE4 Messzellen", ProtectionRegister: DefaultProtectionRegister, RregCount: 16, RwregCount: 49},
	{ID: 2, Name: "Sensor-MB-NAP5xx_REV1_0", Description: "Kombisensor für NAP5xx Messzellen", ProtectionRegister: 79, RregCount: 23, RwregCount: 49},
	{ID: 3, Name: "Sensor-MB-NAP5X_REV1_0", Description: "Platine für NAP5x Messzellen", ProtectionRegister: DefaultProtectionRegister, RregCount: 16, RwregCount: 44},
	{ID: 4, Name: "Sensor-MB-CO2_O2_REV1_0", Description: "Kombisensor Platine für CO2 und O2 Messzellen", ProtectionRegister: DefaultProtectionRegister, RregCount: 19, RwregCount: 53},
	{ID: 5, Name: "Sensor-MB-SP42A_REV1_0", Description: "Platine für SP42 Messzellen", ProtectionRegister: DefaultProtectionRegister, RregCount: 16, RwregCount: 43},
}

// LookupBoard 依名稱 (不分大小寫) 或 ID 尋找板子
func LookupBoard(key string) (Board, error) {
	key = strings.TrimSpace(key)
	if id, err := strconv.Atoi(key); err == nil {
		for _, b := range Boards {
			if b.ID == id {
				return b, nil
			}
		}
		return Board{}, fmt.Errorf("未知的板子 ID: %d", id)
	}

	for _, b := range Boards {
		if strings.EqualFold(b.Name, key) {
			return b, nil
		}
	}
	return Board{}, fmt.Errorf("未知的板子: %q", key)
}

// DefaultRregs 板子預設的 Rreg 佈局 (從位址 0 開始連續)
func (b Board) DefaultRregs() []RegisterAddress {
	return AddressRange(0, b.RregCount)
}

// DefaultRwregs 板子預設的 Rwreg 佈局 (從位址 0 開始連續)
func (b Board) DefaultRwregs() []RegisterAddress {
	return AddressRange(0, b.RwregCount)
}

// WorkingMode 工作模式
type WorkingMode struct {
	Value uint16
	Name  string
}

// WorkingModes 可設定的工作模式
var WorkingModes = []WorkingMode{
	{0, "unkonfiguriert"},
	{10, "CO-Sensor (1000)"},
	{12, "CO-Sensor (300)"},
	{20, "NO-Sensor (250)"},
	{30, "NO2 (20)"},
	{40, "NH3 (1000)"},
	{42, "NH3 (100)"},
	{50, "CL2 (10)"},
	{60, "H2S (100)"},
	{150, "NAP-50"},
	{155, "NAP-55"},
	{166, "NAP-66"},
	{210, "SP42A"},
	{430, "NAP505 und NAP550"},
	{510, "nur O2-Sensor"},
	{520, "nur CO2-Sensor"},
	{530, "beide Sensoren (kein Stromausgang)"},
}

// LookupWorkingMode 依數值尋找工作模式
func LookupWorkingMode(value uint16) (WorkingMode, bool) {
	for _, m := range WorkingModes {
		if m.Value == value {
			return m, true
		}
	}
	return WorkingMode{}, false
}

// commandRegisters 由單次指令寫入的暫存器，板子上皆受保護
var commandRegisters = []RegisterAddress{
	RegNullgasSensor1, RegMessgasSensor1,
	RegNullgasSensor2, RegMessgasSensor2,
	RegModbusID, RegMcsBusID, RegWorkingMode,
}

// DefaultProtected 板子預設受保護的暫存器
func (b Board) DefaultProtected() []RegisterAddress {
	out := make([]RegisterAddress, len(commandRegisters))
	copy(out, commandRegisters)
	return out
}
