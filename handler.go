package main

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// RequestHandler 模擬板子的 Modbus 請求處理器
//
// 受保護的暫存器必須先在保護暫存器寫入解鎖值，每次解鎖只允許一次存取。
type RequestHandler struct {
	sim    *BoardSimulator
	logger *zap.Logger
}

// NewRequestHandler 建立請求處理器
func NewRequestHandler(sim *BoardSimulator, logger *zap.Logger) *RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestHandler{
		sim:    sim,
		logger: logger,
	}
}

// applyScenario 套用場景的延遲與故障
func (h *RequestHandler) applyScenario(functionCode uint8) error {
	if d := h.sim.scenario.JitterDelay(); d > 0 {
		time.Sleep(d)
	}
	if h.sim.scenario.ShouldFault() {
		return &ModbusError{FunctionCode: functionCode, Code: ExceptionCodeSlaveDeviceFailure}
	}
	return nil
}

// checkAccess 受保護暫存器需要有效的解鎖，並消耗該解鎖
func (h *RequestHandler) checkAccess(functionCode uint8, address uint16) error {
	if !h.sim.IsProtected(RegisterAddress(address)) {
		return nil
	}
	if !h.sim.consumeUnlock() {
		h.logger.Debug("受保護暫存器未解鎖",
			zap.Uint16("address", address),
			zap.Uint8("functionCode", functionCode),
		)
		return &ModbusError{FunctionCode: functionCode, Code: ExceptionCodeIllegalDataAddress}
	}
	return nil
}

// HandleReadHoldingRegisters 處理讀取保持暫存器請求 (FC 03)
func (h *RequestHandler) HandleReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	if err := h.applyScenario(FuncCodeReadHoldingRegisters); err != nil {
		h.sim.recordRequest(0, 0, true)
		return nil, err
	}
	if err := h.checkProtectedRange(FuncCodeReadHoldingRegisters, address, quantity); err != nil {
		h.sim.recordRequest(8, 0, true)
		return nil, err
	}

	registers, err := h.sim.registers.ReadHoldingRegisters(address, quantity)
	if err != nil {
		h.sim.recordRequest(8, 0, true)
		h.logger.Debug("讀取保持暫存器失敗",
			zap.Uint16("address", address),
			zap.Uint16("quantity", quantity),
			zap.Error(err),
		)
		return nil, err
	}

	h.sim.recordRequest(8, 3+int(quantity)*2, false)
	return registers, nil
}

// HandleReadInputRegisters 處理讀取輸入暫存器請求 (FC 04)
func (h *RequestHandler) HandleReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	if err := h.applyScenario(FuncCodeReadInputRegisters); err != nil {
		h.sim.recordRequest(0, 0, true)
		return nil, err
	}

	registers, err := h.sim.registers.ReadInputRegisters(address, quantity)
	if err != nil {
		h.sim.recordRequest(8, 0, true)
		h.logger.Debug("讀取輸入暫存器失敗",
			zap.Uint16("address", address),
			zap.Uint16("quantity", quantity),
			zap.Error(err),
		)
		return nil, err
	}

	h.sim.recordRequest(8, 3+int(quantity)*2, false)
	return registers, nil
}

// HandleWriteSingleRegister 處理寫入單一暫存器請求 (FC 06)
func (h *RequestHandler) HandleWriteSingleRegister(address, value uint16) error {
	if err := h.applyScenario(FuncCodeWriteSingleRegister); err != nil {
		h.sim.recordRequest(0, 0, true)
		return err
	}

	if RegisterAddress(address) == h.sim.ProtectionRegister() {
		if err := h.sim.registers.WriteHoldingRegister(address, value); err != nil {
			h.sim.recordRequest(8, 0, true)
			return err
		}
		if value == UnlockValue {
			h.sim.unlock()
		}
		h.sim.recordRequest(8, 8, false)
		return nil
	}

	if err := h.checkAccess(FuncCodeWriteSingleRegister, address); err != nil {
		h.sim.recordRequest(8, 0, true)
		return err
	}

	if err := h.sim.registers.WriteHoldingRegister(address, value); err != nil {
		h.sim.recordRequest(8, 0, true)
		h.logger.Debug("寫入暫存器失敗",
			zap.Uint16("address", address),
			zap.Uint16("value", value),
			zap.Error(err),
		)
		return err
	}

	h.sim.applyWrite(RegisterAddress(address), value)
	h.sim.recordRequest(8, 8, false)
	return nil
}

// HandleWriteMultipleRegisters 處理寫入多個暫存器請求 (FC 16)
func (h *RequestHandler) HandleWriteMultipleRegisters(address uint16, values []uint16) error {
	if err := h.applyScenario(FuncCodeWriteMultipleRegisters); err != nil {
		h.sim.recordRequest(0, 0, true)
		return err
	}
	if err := h.checkProtectedRange(FuncCodeWriteMultipleRegisters, address, uint16(len(values))); err != nil {
		h.sim.recordRequest(9+len(values)*2, 0, true)
		return err
	}

	if err := h.sim.registers.WriteHoldingRegisters(address, values); err != nil {
		h.sim.recordRequest(9+len(values)*2, 0, true)
		h.logger.Debug("寫入多個暫存器失敗",
			zap.Uint16("address", address),
			zap.Int("count", len(values)),
			zap.Error(err),
		)
		return err
	}

	for i, v := range values {
		h.sim.applyWrite(RegisterAddress(address)+RegisterAddress(i), v)
	}
	h.sim.recordRequest(9+len(values)*2, 8, false)
	return nil
}

// checkProtectedRange 區間內含受保護暫存器時消耗一次解鎖
func (h *RequestHandler) checkProtectedRange(functionCode uint8, address, quantity uint16) error {
	for i := uint16(0); i < quantity; i++ {
		if h.sim.IsProtected(RegisterAddress(address + i)) {
			return h.checkAccess(functionCode, address+i)
		}
	}
	return nil
}

// --- mbserver 介面 ---

func (h *RequestHandler) register(s *mbserver.Server) {
	s.RegisterFunctionHandler(FuncCodeReadHoldingRegisters, h.readHoldingRegisters)
	s.RegisterFunctionHandler(FuncCodeReadInputRegisters, h.readInputRegisters)
	s.RegisterFunctionHandler(FuncCodeWriteSingleRegister, h.writeSingleRegister)
	s.RegisterFunctionHandler(FuncCodeWriteMultipleRegisters, h.writeMultipleRegisters)
}

func (h *RequestHandler) readHoldingRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	return h.serveRead(RegisterTypeHoldingRegister, frame, h.HandleReadHoldingRegisters)
}

func (h *RequestHandler) readInputRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	return h.serveRead(RegisterTypeInputRegister, frame, h.HandleReadInputRegisters)
}

func (h *RequestHandler) serveRead(rt RegisterType, frame mbserver.Framer, read func(address, quantity uint16) ([]uint16, error)) ([]byte, *mbserver.Exception) {
	functionCode := rt.FunctionCode()
	data := frame.GetData()
	if len(data) < 4 {
		return h.fail(functionCode, &ModbusError{FunctionCode: functionCode, Code: ExceptionCodeIllegalDataValue})
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	if quantity == 0 || quantity > 125 {
		return h.fail(functionCode, &ModbusError{FunctionCode: functionCode, Code: ExceptionCodeIllegalDataValue})
	}

	values, err := read(address, quantity)
	if err != nil {
		h.logger.Debug("讀取失敗",
			zap.Stringer("type", rt),
			zap.Uint16("address", address),
			zap.Uint16("quantity", quantity),
			zap.Error(err),
		)
		return h.fail(functionCode, err)
	}

	h.sim.metrics.ObserveSimRequest(functionCode, nil)
	return append([]byte{byte(quantity * 2)}, RegistersToBytes(values)...), &mbserver.Success
}

func (h *RequestHandler) writeSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return h.fail(FuncCodeWriteSingleRegister, &ModbusError{FunctionCode: FuncCodeWriteSingleRegister, Code: ExceptionCodeIllegalDataValue})
	}
	address := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if err := h.HandleWriteSingleRegister(address, value); err != nil {
		return h.fail(FuncCodeWriteSingleRegister, err)
	}

	h.sim.metrics.ObserveSimRequest(FuncCodeWriteSingleRegister, nil)
	return data[0:4], &mbserver.Success
}

func (h *RequestHandler) writeMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 5 {
		return h.fail(FuncCodeWriteMultipleRegisters, &ModbusError{FunctionCode: FuncCodeWriteMultipleRegisters, Code: ExceptionCodeIllegalDataValue})
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])
	if quantity == 0 || byteCount != int(quantity)*2 || len(data) < 5+byteCount {
		return h.fail(FuncCodeWriteMultipleRegisters, &ModbusError{FunctionCode: FuncCodeWriteMultipleRegisters, Code: ExceptionCodeIllegalDataValue})
	}

	if err := h.HandleWriteMultipleRegisters(address, BytesToRegisters(data[5:5+byteCount])); err != nil {
		return h.fail(FuncCodeWriteMultipleRegisters, err)
	}

	h.sim.metrics.ObserveSimRequest(FuncCodeWriteMultipleRegisters, nil)
	return data[0:4], &mbserver.Success
}

func (h *RequestHandler) fail(functionCode uint8, err error) ([]byte, *mbserver.Exception) {
	h.sim.metrics.ObserveSimRequest(functionCode, err)
	exc := toException(err)
	return []byte{}, &exc
}

// toException 將錯誤轉換為 Modbus 例外碼，暫存器範圍錯誤視為非法位址
func toException(err error) mbserver.Exception {
	var mbErr *ModbusError
	if errors.As(err, &mbErr) {
		return mbserver.Exception(mbErr.Code)
	}
	return mbserver.IllegalDataAddress
}
