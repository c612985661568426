package main

import (
	"math/rand"
	"sync"
	"time"
)

// ScenarioType 模擬場景類型
type ScenarioType int

const (
	ScenarioNormal ScenarioType = iota
	ScenarioGasAlarm
	ScenarioJitter
	ScenarioFault
)

func (s ScenarioType) String() string {
	switch s {
	case ScenarioNormal:
		return "normal"
	case ScenarioGasAlarm:
		return "gas_alarm"
	case ScenarioJitter:
		return "jitter"
	case ScenarioFault:
		return "fault"
	default:
		return "unknown"
	}
}

// ParseScenarioType 解析場景類型
func ParseScenarioType(s string) ScenarioType {
	switch s {
	case "normal":
		return ScenarioNormal
	case "gas_alarm":
		return ScenarioGasAlarm
	case "jitter":
		return ScenarioJitter
	case "fault":
		return ScenarioFault
	default:
		return ScenarioNormal
	}
}

// ListScenarioTypes 列出所有場景類型
func ListScenarioTypes() []ScenarioType {
	return []ScenarioType{
		ScenarioNormal,
		ScenarioGasAlarm,
		ScenarioJitter,
		ScenarioFault,
	}
}

// ScenarioParams 場景參數
type ScenarioParams struct {
	Noise      uint16        `json:"noise" yaml:"noise" mapstructure:"noise"`
	AlarmLevel uint16        `json:"alarm_level" yaml:"alarm_level" mapstructure:"alarm_level"`
	Duration   time.Duration `json:"duration" yaml:"duration" mapstructure:"duration"`
	JitterMin  time.Duration `json:"jitter_min" yaml:"jitter_min" mapstructure:"jitter_min"`
	JitterMax  time.Duration `json:"jitter_max" yaml:"jitter_max" mapstructure:"jitter_max"`
	FaultRate  float64       `json:"fault_rate" yaml:"fault_rate" mapstructure:"fault_rate" validate:"gte=0,lte=1"`
}

// ScenarioHandler 場景處理介面
type ScenarioHandler interface {
	Type() ScenarioType
	Update(registers *RegisterMap, params ScenarioParams)
	Reset(registers *RegisterMap)
}

// 每個模擬器各自持有場景實例
var scenarioFactories = map[ScenarioType]func() ScenarioHandler{
	ScenarioNormal:   func() ScenarioHandler { return &NormalScenario{} },
	ScenarioGasAlarm: func() ScenarioHandler { return &GasAlarmScenario{} },
	ScenarioJitter:   func() ScenarioHandler { return &JitterScenario{} },
	ScenarioFault:    func() ScenarioHandler { return &FaultScenario{} },
}

// NewScenarioHandler 建立場景處理器
func NewScenarioHandler(scenarioType ScenarioType) ScenarioHandler {
	factory, ok := scenarioFactories[scenarioType]
	if !ok {
		return nil
	}
	return factory()
}

// --- Normal Scenario ---

// NormalScenario 乾淨空氣，量測值在基準附近小幅波動
type NormalScenario struct {
	baseline []uint16
}

func (s *NormalScenario) Type() ScenarioType {
	return ScenarioNormal
}

func (s *NormalScenario) Update(registers *RegisterMap, params ScenarioParams) {
	if s.baseline == nil {
		s.baseline = registers.GetRawInputRegisters()
	}

	noise := int(params.Noise)
	registers.UpdateInputRegisters(func(address, _ uint16) uint16 {
		base := 0
		if int(address) < len(s.baseline) {
			base = int(s.baseline[address])
		}
		if noise == 0 {
			return uint16(base)
		}
		v := base + rand.Intn(2*noise+1) - noise
		if v < 0 {
			v = 0
		}
		if v > 0xFFFF {
			v = 0xFFFF
		}
		return uint16(v)
	})
}

func (s *NormalScenario) Reset(registers *RegisterMap) {
	if s.baseline == nil {
		return
	}
	baseline := s.baseline
	registers.UpdateInputRegisters(func(address, v uint16) uint16 {
		if int(address) < len(baseline) {
			return baseline[address]
		}
		return v
	})
}

// --- Gas Alarm Scenario ---

// GasAlarmScenario 一段時間內量測值升高到警報位準
type GasAlarmScenario struct {
	normal    NormalScenario
	startTime time.Time
}

func (s *GasAlarmScenario) Type() ScenarioType {
	return ScenarioGasAlarm
}

func (s *GasAlarmScenario) Update(registers *RegisterMap, params ScenarioParams) {
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}
	duration := params.Duration
	if duration == 0 {
		duration = 10 * time.Second
	}
	level := params.AlarmLevel
	if level == 0 {
		level = 500
	}

	s.normal.Update(registers, params)

	if time.Since(s.startTime) < duration {
		registers.UpdateInputRegisters(func(_, v uint16) uint16 {
			if uint32(v)+uint32(level) > 0xFFFF {
				return 0xFFFF
			}
			return v + level
		})
	}
}

func (s *GasAlarmScenario) Reset(registers *RegisterMap) {
	s.startTime = time.Time{}
	s.normal.Reset(registers)
}

// --- Jitter Scenario ---

// JitterScenario 回應延遲 (延遲本身由 RequestHandler 套用)
type JitterScenario struct {
	normal NormalScenario
}

func (s *JitterScenario) Type() ScenarioType {
	return ScenarioJitter
}

func (s *JitterScenario) Update(registers *RegisterMap, params ScenarioParams) {
	s.normal.Update(registers, params)
}

func (s *JitterScenario) Reset(registers *RegisterMap) {
	s.normal.Reset(registers)
}

// --- Fault Scenario ---

// FaultScenario 隨機回應從站設備故障 (由 RequestHandler 套用)
type FaultScenario struct {
	normal NormalScenario
}

func (s *FaultScenario) Type() ScenarioType {
	return ScenarioFault
}

func (s *FaultScenario) Update(registers *RegisterMap, params ScenarioParams) {
	s.normal.Update(registers, params)
}

func (s *FaultScenario) Reset(registers *RegisterMap) {
	s.normal.Reset(registers)
}

// ScenarioEngine 場景引擎 (管理場景切換和更新)
type ScenarioEngine struct {
	mu sync.RWMutex

	currentType    ScenarioType
	currentHandler ScenarioHandler
	params         ScenarioParams
}

// NewScenarioEngine 建立場景引擎
func NewScenarioEngine(scenarioType ScenarioType, params ScenarioParams) *ScenarioEngine {
	return &ScenarioEngine{
		currentType:    scenarioType,
		currentHandler: NewScenarioHandler(scenarioType),
		params:         params,
	}
}

// SetScenario 設定場景
func (e *ScenarioEngine) SetScenario(scenarioType ScenarioType, params ScenarioParams) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentType = scenarioType
	e.currentHandler = NewScenarioHandler(scenarioType)
	e.params = params
}

// GetScenario 取得當前場景
func (e *ScenarioEngine) GetScenario() (ScenarioType, ScenarioParams) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentType, e.params
}

// Update 更新暫存器
func (e *ScenarioEngine) Update(registers *RegisterMap) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentHandler != nil {
		e.currentHandler.Update(registers, e.params)
	}
}

// Reset 重設為正常場景
func (e *ScenarioEngine) Reset(registers *RegisterMap) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentHandler != nil {
		e.currentHandler.Reset(registers)
	}

	e.currentType = ScenarioNormal
	e.currentHandler = NewScenarioHandler(ScenarioNormal)
	e.params = ScenarioParams{}
}

// JitterDelay 依場景計算本次請求的延遲
func (e *ScenarioEngine) JitterDelay() time.Duration {
	scenario, params := e.GetScenario()
	if scenario != ScenarioJitter {
		return 0
	}

	min, max := params.JitterMin, params.JitterMax
	if min == 0 {
		min = 100 * time.Millisecond
	}
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// ShouldFault 依場景判斷本次請求是否回應故障
func (e *ScenarioEngine) ShouldFault() bool {
	scenario, params := e.GetScenario()
	if scenario != ScenarioFault {
		return false
	}
	rate := params.FaultRate
	if rate == 0 {
		rate = 0.05
	}
	return rand.Float64() < rate
}
