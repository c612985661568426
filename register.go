package main

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// RegisterAddress Modbus 暫存器位址
type RegisterAddress uint16

// Rreg 唯讀輸入暫存器 (FC 04)
type Rreg struct {
	Address RegisterAddress
}

// Rwreg 讀寫保持暫存器 (FC 03/06)
type Rwreg struct {
	Address   RegisterAddress
	Protected bool
}

// RegisterValue 單一暫存器讀值
type RegisterValue struct {
	Address RegisterAddress
	Value   uint16
}

// PollResult 一次批次讀取的結果，順序與輸入清單相同
type PollResult []RegisterValue

// Get 依位址取值
func (r PollResult) Get(address RegisterAddress) (uint16, bool) {
	for _, rv := range r {
		if rv.Address == address {
			return rv.Value, true
		}
	}
	return 0, false
}

// NewRregs 由位址清單建立 Rreg
func NewRregs(addresses []RegisterAddress) []Rreg {
	rregs := make([]Rreg, len(addresses))
	for i, addr := range addresses {
		rregs[i] = Rreg{Address: addr}
	}
	return rregs
}

// NewRwregs 由位址清單建立 Rwreg，protected 中的位址標記為受保護
func NewRwregs(addresses, protected []RegisterAddress) []Rwreg {
	locked := make(map[RegisterAddress]struct{}, len(protected))
	for _, addr := range protected {
		locked[addr] = struct{}{}
	}

	rwregs := make([]Rwreg, len(addresses))
	for i, addr := range addresses {
		_, ok := locked[addr]
		rwregs[i] = Rwreg{Address: addr, Protected: ok}
	}
	return rwregs
}

// AddressRange 產生 [start, start+count) 的連續位址
func AddressRange(start RegisterAddress, count int) []RegisterAddress {
	addrs := make([]RegisterAddress, 0, count)
	for i := 0; i < count; i++ {
		addrs = append(addrs, start+RegisterAddress(i))
	}
	return addrs
}

// ParseRegisterList 解析 "0-13,20,22" 格式的位址清單，保留輸入順序
func ParseRegisterList(s string) ([]RegisterAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var addrs []RegisterAddress
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parseAddress(lo)
		if err != nil {
			return nil, err
		}
		if !isRange {
			addrs = append(addrs, start)
			continue
		}

		end, err := parseAddress(hi)
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, fmt.Errorf("無效的位址範圍: %s", part)
		}
		for a := int(start); a <= int(end); a++ {
			addrs = append(addrs, RegisterAddress(a))
		}
	}
	return addrs, nil
}

func parseAddress(s string) (RegisterAddress, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("無效的暫存器位址 %q: %w", s, err)
	}
	return RegisterAddress(v), nil
}

// FormatRegisterList 將位址清單壓縮為 "0-13,20" 格式
func FormatRegisterList(addrs []RegisterAddress) string {
	if len(addrs) == 0 {
		return ""
	}

	sorted := make([]RegisterAddress, len(addrs))
	copy(sorted, addrs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(int(start)))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, a := range sorted[1:] {
		if a == prev || a == prev+1 {
			prev = a
			continue
		}
		flush()
		start, prev = a, a
	}
	flush()
	return strings.Join(parts, ",")
}

// RegisterMap 線程安全的暫存器映射表 (模擬板子的記憶體)
type RegisterMap struct {
	mu sync.RWMutex

	inputRegisters   []uint16 // 3x - Input Registers (Rreg)
	holdingRegisters []uint16 // 4x - Holding Registers (Rwreg)
}

// NewRegisterMap 建立新的暫存器映射表
func NewRegisterMap(inputSize, holdingSize int) *RegisterMap {
	return &RegisterMap{
		inputRegisters:   make([]uint16, inputSize),
		holdingRegisters: make([]uint16, holdingSize),
	}
}

// --- Input Registers (3x) ---

// ReadInputRegister 讀取單一輸入暫存器
func (rm *RegisterMap) ReadInputRegister(address uint16) (uint16, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if int(address) >= len(rm.inputRegisters) {
		return 0, fmt.Errorf("輸入暫存器位址超出範圍: %d", address)
	}
	return rm.inputRegisters[address], nil
}

// ReadInputRegisters 讀取多個輸入暫存器
func (rm *RegisterMap) ReadInputRegisters(address uint16, quantity uint16) ([]uint16, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	end := int(address) + int(quantity)
	if end > len(rm.inputRegisters) {
		return nil, fmt.Errorf("輸入暫存器位址超出範圍: %d-%d", address, end-1)
	}

	result := make([]uint16, quantity)
	copy(result, rm.inputRegisters[address:end])
	return result, nil
}

// SetInputRegister 設定輸入暫存器 (內部用)
func (rm *RegisterMap) SetInputRegister(address uint16, value uint16) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if int(address) >= len(rm.inputRegisters) {
		return fmt.Errorf("輸入暫存器位址超出範圍: %d", address)
	}
	rm.inputRegisters[address] = value
	return nil
}

// UpdateInputRegisters 在鎖內以 fn 更新所有輸入暫存器
func (rm *RegisterMap) UpdateInputRegisters(fn func(address uint16, value uint16) uint16) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for i, v := range rm.inputRegisters {
		rm.inputRegisters[i] = fn(uint16(i), v)
	}
}

// --- Holding Registers (4x) ---

// ReadHoldingRegister 讀取單一保持暫存器
func (rm *RegisterMap) ReadHoldingRegister(address uint16) (uint16, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if int(address) >= len(rm.holdingRegisters) {
		return 0, fmt.Errorf("保持暫存器位址超出範圍: %d", address)
	}
	return rm.holdingRegisters[address], nil
}

// ReadHoldingRegisters 讀取多個保持暫存器
func (rm *RegisterMap) ReadHoldingRegisters(address uint16, quantity uint16) ([]uint16, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	end := int(address) + int(quantity)
	if end > len(rm.holdingRegisters) {
		return nil, fmt.Errorf("保持暫存器位址超出範圍: %d-%d", address, end-1)
	}

	result := make([]uint16, quantity)
	copy(result, rm.holdingRegisters[address:end])
	return result, nil
}

// WriteHoldingRegister 寫入單一保持暫存器
func (rm *RegisterMap) WriteHoldingRegister(address uint16, value uint16) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if int(address) >= len(rm.holdingRegisters) {
		return fmt.Errorf("保持暫存器位址超出範圍: %d", address)
	}
	rm.holdingRegisters[address] = value
	return nil
}

// WriteHoldingRegisters 寫入多個保持暫存器
func (rm *RegisterMap) WriteHoldingRegisters(address uint16, values []uint16) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	end := int(address) + len(values)
	if end > len(rm.holdingRegisters) {
		return fmt.Errorf("保持暫存器位址超出範圍: %d-%d", address, end-1)
	}

	copy(rm.holdingRegisters[address:end], values)
	return nil
}

// --- 批量操作 ---

// GetRawHoldingRegisters 取得保持暫存器陣列副本
func (rm *RegisterMap) GetRawHoldingRegisters() []uint16 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	result := make([]uint16, len(rm.holdingRegisters))
	copy(result, rm.holdingRegisters)
	return result
}

// GetRawInputRegisters 取得輸入暫存器陣列副本
func (rm *RegisterMap) GetRawInputRegisters() []uint16 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	result := make([]uint16, len(rm.inputRegisters))
	copy(result, rm.inputRegisters)
	return result
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(bytes[i*2:], reg)
	}
	return bytes
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}
