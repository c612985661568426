package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// 狀態標籤
const (
	StatusSuccess = "success"
	StatusTimeout = "timeout"
	StatusFailed  = "failed"
)

// Metrics Prometheus 指標。nil 的 *Metrics 可以安全呼叫所有方法。
type Metrics struct {
	registry *prometheus.Registry

	transactions *prometheus.CounterVec
	polls        *prometheus.CounterVec
	commands     *prometheus.CounterVec
	simRequests  *prometheus.CounterVec
	online       prometheus.Gauge
}

// NewMetrics 建立指標並註冊到獨立的 registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rgms_modbus_transactions_total",
			Help: "Modbus RTU transactions by operation and status",
		}, []string{"op", "status"}),
		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rgms_poll_batches_total",
			Help: "Poll batches by register category and status",
		}, []string{"category", "status"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rgms_commands_total",
			Help: "Dispatched commands by name and status",
		}, []string{"command", "status"}),
		simRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rgms_simulator_requests_total",
			Help: "Requests served by the board simulator",
		}, []string{"function", "status"}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rgms_master_online",
			Help: "1 while the control loop is asked to poll",
		}),
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	default:
		return StatusFailed
	}
}

// ObserveTransaction 記錄一次交易
func (m *Metrics) ObserveTransaction(op string, err error) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(op, statusOf(err)).Inc()
}

// ObservePoll 記錄一次批次讀取
func (m *Metrics) ObservePoll(category string, err error) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(category, statusOf(err)).Inc()
}

// ObserveCommand 記錄一次指令處理
func (m *Metrics) ObserveCommand(command string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, statusOf(err)).Inc()
}

// ObserveSimRequest 記錄模擬器處理的請求
func (m *Metrics) ObserveSimRequest(functionCode uint8, err error) {
	if m == nil {
		return
	}
	m.simRequests.WithLabelValues(strconv.Itoa(int(functionCode)), statusOf(err)).Inc()
}

// SetOnline 設定 online 狀態
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// Handler 返回指標 HTTP 路由 (endpoint、/health、/ready)
func (m *Metrics) Handler(endpoint string, ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	return mux
}

// Serve 啟動指標伺服器
func (m *Metrics) Serve(endpoint string, port int, ready func() bool, logger *zap.Logger) (*http.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("監聽指標埠 %s 失敗: %w", addr, err)
	}

	srv := &http.Server{Handler: m.Handler(endpoint, ready)}
	logger.Info("啟動指標伺服器", zap.String("addr", addr), zap.String("endpoint", endpoint))

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return srv, nil
}
