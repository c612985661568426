package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// Session 單次交易用的 Modbus 連線
type Session interface {
	ReadInputRegister(address RegisterAddress) (uint16, error)
	ReadHoldingRegister(address RegisterAddress) (uint16, error)
	WriteSingleRegister(address RegisterAddress, value uint16) error
	Close() error
}

// Dialer 開啟指定序列埠與 slave 的連線
type Dialer interface {
	Open(ctx context.Context, ttyPath string, slaveID uint8) (Session, error)
}

// RTUDialer 以 goburrow/modbus 建立 RTU 連線 (9600-8N1)
type RTUDialer struct {
	// Timeout 底層 RTU 讀寫逾時
	Timeout time.Duration
}

// Open 開啟序列埠並綁定 slave 位址
func (d *RTUDialer) Open(ctx context.Context, ttyPath string, slaveID uint8) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}

	handler := modbus.NewRTUClientHandler(ttyPath)
	handler.BaudRate = SerialBaudRate
	handler.DataBits = SerialDataBits
	handler.Parity = SerialParity
	handler.StopBits = SerialStopBits
	handler.SlaveId = slaveID
	handler.Timeout = d.Timeout
	if handler.Timeout <= 0 {
		handler.Timeout = DefaultTransactionTimeout
	}

	if err := handler.Connect(); err != nil {
		return nil, newConnectionError(ttyPath, err)
	}

	return &clientSession{closer: handler, client: modbus.NewClient(handler)}, nil
}

// TCPDialer 以 Modbus TCP 連線 (閘道或模擬器)，ttyPath 為 host:port
type TCPDialer struct {
	Timeout time.Duration
}

// Open 連線到 TCP 位址並綁定 slave 位址
func (d *TCPDialer) Open(ctx context.Context, address string, slaveID uint8) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}

	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = slaveID
	handler.Timeout = d.Timeout
	if handler.Timeout <= 0 {
		handler.Timeout = DefaultTransactionTimeout
	}

	if err := handler.Connect(); err != nil {
		return nil, newConnectionError(address, err)
	}

	return &clientSession{closer: handler, client: modbus.NewClient(handler)}, nil
}

// AutoDialer 依路徑選擇傳輸：tcp://host:port 走 Modbus TCP，其餘視為序列埠
type AutoDialer struct {
	Timeout time.Duration
}

// Open 開啟連線
func (d *AutoDialer) Open(ctx context.Context, path string, slaveID uint8) (Session, error) {
	if addr, ok := strings.CutPrefix(path, tcpScheme); ok {
		return (&TCPDialer{Timeout: d.Timeout}).Open(ctx, addr, slaveID)
	}
	return (&RTUDialer{Timeout: d.Timeout}).Open(ctx, path, slaveID)
}

const tcpScheme = "tcp://"

type clientSession struct {
	closer io.Closer
	client modbus.Client
}

func (s *clientSession) ReadInputRegister(address RegisterAddress) (uint16, error) {
	data, err := s.client.ReadInputRegisters(uint16(address), 1)
	if err != nil {
		return 0, classify(err)
	}
	return firstRegister(data)
}

func (s *clientSession) ReadHoldingRegister(address RegisterAddress) (uint16, error) {
	data, err := s.client.ReadHoldingRegisters(uint16(address), 1)
	if err != nil {
		return 0, classify(err)
	}
	return firstRegister(data)
}

func (s *clientSession) WriteSingleRegister(address RegisterAddress, value uint16) error {
	_, err := s.client.WriteSingleRegister(uint16(address), value)
	return classify(err)
}

func (s *clientSession) Close() error {
	return s.closer.Close()
}

func firstRegister(data []byte) (uint16, error) {
	regs := BytesToRegisters(data)
	if len(regs) < 1 {
		return 0, fmt.Errorf("回應長度不足: %d bytes", len(data))
	}
	return regs[0], nil
}

// ConnectionContext 每次交易開啟新連線，結束時 (含錯誤路徑) 一定釋放
type ConnectionContext struct {
	dialer  Dialer
	timeout time.Duration
	logger  *zap.Logger
	metrics *Metrics
}

// NewConnectionContext 建立連線上下文
func NewConnectionContext(dialer Dialer, timeout time.Duration, logger *zap.Logger, metrics *Metrics) *ConnectionContext {
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionContext{
		dialer:  dialer,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

// Transact 執行 open → fn → close
//
// connect、read、write 各自套用固定逾時，解鎖後的等待時間不計入。
// 任一操作逾時時先關閉連線中止 I/O，等操作真正結束後才回傳，
// 回傳之後這次交易不會再有任何請求送達裝置。
func (c *ConnectionContext) Transact(ctx context.Context, ttyPath string, slaveID uint8, op string, fn func(context.Context, Session) error) error {
	err := c.withSession(ctx, ttyPath, slaveID, fn)

	c.metrics.ObserveTransaction(op, err)
	if err != nil {
		c.logger.Debug("交易失敗",
			zap.String("op", op),
			zap.String("tty", ttyPath),
			zap.Uint8("slave", slaveID),
			zap.Error(err),
		)
	}
	return err
}

// withSession 開啟連線、執行 fn，並保證在任何路徑上關閉連線
func (c *ConnectionContext) withSession(ctx context.Context, ttyPath string, slaveID uint8, fn func(context.Context, Session) error) error {
	session, err := c.open(ctx, ttyPath, slaveID)
	if err != nil {
		return err
	}

	ts := &timedSession{ctx: ctx, session: session, timeout: c.timeout}
	defer func() { _ = ts.Close() }()

	return fn(ctx, ts)
}

type openResult struct {
	session Session
	err     error
}

// open 在固定逾時內開啟連線；逾時後仍等待 dialer 返回，並關閉遲到的連線
func (c *ConnectionContext) open(ctx context.Context, ttyPath string, slaveID uint8) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan openResult, 1)
	go func() {
		s, err := c.dialer.Open(ctx, ttyPath, slaveID)
		done <- openResult{session: s, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return nil, timeoutError(ctx.Err(), "connect", c.timeout)
		}
		return r.session, r.err
	case <-ctx.Done():
		r := <-done
		if r.session != nil {
			_ = r.session.Close()
		}
		return nil, timeoutError(ctx.Err(), "connect", c.timeout)
	}
}

// timedSession 為每個 read/write 套用固定逾時
//
// 只由交易本身的 goroutine 使用。
type timedSession struct {
	ctx     context.Context
	session Session
	timeout time.Duration

	aborted   bool
	closeOnce sync.Once
	closeErr  error
}

func (s *timedSession) do(op string, fn func() error) error {
	if s.aborted {
		return fmt.Errorf("%w: %s: 連線已中止", ErrTimeout, op)
	}
	if err := s.ctx.Err(); err != nil {
		return classify(err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// 關閉連線中止進行中的 I/O，等它結束才放行下一個交易
		s.aborted = true
		_ = s.Close()
		<-done
		return timeoutError(ctx.Err(), op, s.timeout)
	}
}

func (s *timedSession) ReadInputRegister(address RegisterAddress) (uint16, error) {
	var v uint16
	err := s.do("read_input", func() error {
		var err error
		v, err = s.session.ReadInputRegister(address)
		return err
	})
	return v, err
}

func (s *timedSession) ReadHoldingRegister(address RegisterAddress) (uint16, error) {
	var v uint16
	err := s.do("read_holding", func() error {
		var err error
		v, err = s.session.ReadHoldingRegister(address)
		return err
	})
	return v, err
}

func (s *timedSession) WriteSingleRegister(address RegisterAddress, value uint16) error {
	return s.do("write", func() error {
		return s.session.WriteSingleRegister(address, value)
	})
}

func (s *timedSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

// timeoutError 區分自身逾時與上層取消
func timeoutError(err error, op string, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s 超過 %v", ErrTimeout, op, timeout)
	}
	return classify(err)
}
