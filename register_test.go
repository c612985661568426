package main

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegisterList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []RegisterAddress
		wantErr bool
	}{
		{name: "empty", input: "", want: nil},
		{name: "single", input: "7", want: []RegisterAddress{7}},
		{name: "range", input: "0-3", want: []RegisterAddress{0, 1, 2, 3}},
		{name: "mixed keeps order", input: "20, 0-1 ,12", want: []RegisterAddress{20, 0, 1, 12}},
		{name: "reversed range", input: "5-2", wantErr: true},
		{name: "not a number", input: "abc", wantErr: true},
		{name: "too large", input: "70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRegisterList(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatRegisterList(t *testing.T) {
	assert.Equal(t, "", FormatRegisterList(nil))
	assert.Equal(t, "0-3,10,12-13", FormatRegisterList([]RegisterAddress{12, 0, 1, 2, 3, 10, 13}))
}

func TestNewRwregs_MarksProtected(t *testing.T) {
	rwregs := NewRwregs([]RegisterAddress{0, 1, 2}, []RegisterAddress{1})

	require.Len(t, rwregs, 3)
	assert.False(t, rwregs[0].Protected)
	assert.True(t, rwregs[1].Protected)
	assert.False(t, rwregs[2].Protected)
}

func TestPollResult_Get(t *testing.T) {
	r := PollResult{{Address: 3, Value: 30}, {Address: 1, Value: 10}}

	v, ok := r.Get(1)
	assert.True(t, ok)
	assert.Equal(t, uint16(10), v)

	_, ok = r.Get(9)
	assert.False(t, ok)
}

func TestRegisterMap_HoldingRegisters(t *testing.T) {
	rm := NewRegisterMap(100, 100)

	// 寫入單一暫存器
	err := rm.WriteHoldingRegister(1, 0x1234)
	require.NoError(t, err)

	val, err := rm.ReadHoldingRegister(1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), val)

	// 寫入多個暫存器
	values := []uint16{0xAAAA, 0xBBBB, 0xCCCC}
	err = rm.WriteHoldingRegisters(10, values)
	require.NoError(t, err)

	results, err := rm.ReadHoldingRegisters(10, 3)
	require.NoError(t, err)
	assert.Equal(t, values, results)
}

func TestRegisterMap_InputRegisters(t *testing.T) {
	rm := NewRegisterMap(100, 100)

	err := rm.SetInputRegister(0, 0x5678)
	require.NoError(t, err)

	val, err := rm.ReadInputRegister(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x5678), val)

	rm.UpdateInputRegisters(func(address, value uint16) uint16 { return value + 1 })
	val, err = rm.ReadInputRegister(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x5679), val)
}

func TestRegisterMap_OutOfBounds(t *testing.T) {
	rm := NewRegisterMap(10, 10)

	_, err := rm.ReadInputRegister(100)
	assert.Error(t, err)

	_, err = rm.ReadHoldingRegisters(8, 5)
	assert.Error(t, err)

	err = rm.WriteHoldingRegister(10, 1)
	assert.Error(t, err)
}

func TestRegisterMap_Concurrent(t *testing.T) {
	rm := NewRegisterMap(10, 10)
	var wg sync.WaitGroup

	// 並發讀寫測試
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_ = rm.WriteHoldingRegister(1, uint16(idx))
			_, _ = rm.ReadHoldingRegister(1)
		}(i)
	}
	wg.Wait()
}

func TestRegistersToBytes(t *testing.T) {
	registers := []uint16{0x0102, 0x0304}
	bytes := RegistersToBytes(registers)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, bytes)
}

func TestBytesToRegisters(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	registers := BytesToRegisters(data)
	assert.Equal(t, []uint16{0x0102, 0x0304}, registers)
}

func BenchmarkRegisterMap_ReadHoldingRegisters(b *testing.B) {
	rm := NewRegisterMap(100, 100)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		rm.ReadHoldingRegisters(0, 10)
	}
}
