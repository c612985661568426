package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// 單次指令等待結果的上限
const oneShotTimeout = 10 * time.Second

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "rgms-konfig",
	Short: "RA-GAS 感測器板 Modbus RTU 設定工具",
	Long: `透過 Modbus RTU (9600-8N1) 讀取與設定 RA-GAS 感測器板。
支援連續輪詢、零點/量測氣體校正、工作模式與位址設定，以及板子模擬器。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 載入配置 (除了 version 和 help 命令)
		var loadErr error
		appConfig = DefaultConfig()
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			if cfg, err := LoadConfig(cfgFile); err != nil {
				loadErr = err
			} else {
				appConfig = cfg
			}
		}
		applyFlagOverrides(cmd)

		var err error
		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}

		// 配置載入失敗時使用預設值
		if loadErr != nil && cfgFile != "" {
			logger.Warn("載入配置檔失敗，使用預設配置", zap.Error(loadErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// applyFlagOverrides 以 CLI 參數覆蓋配置
func applyFlagOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		appConfig.Serial.Port, _ = flags.GetString("port")
	}
	if flags.Changed("slave") {
		appConfig.Serial.SlaveID, _ = flags.GetUint8("slave")
	}
	if flags.Changed("board") {
		appConfig.Board.Name, _ = flags.GetString("board")
	}
}

// pollCmd 連續輪詢命令
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "連續輪詢感測器板",
	Long:  "連線到感測器板並持續讀取 Rreg 與 Rwreg，直到收到中斷信號或達到指定時間。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetDuration("interval"); v > 0 {
			appConfig.Poll.Interval = v
		}
		duration, _ := cmd.Flags().GetDuration("duration")

		connect, err := appConfig.Connect()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		var metrics *Metrics
		if appConfig.Metrics.Enabled {
			metrics = NewMetrics()
		}

		master := NewModbusMaster(appConfig.MasterOptions(logger, metrics)...)
		defer master.Close()

		if metrics != nil {
			srv, err := metrics.Serve(appConfig.Metrics.Endpoint, appConfig.Metrics.Port, master.IsOnline, logger)
			if err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			} else {
				defer shutdownHTTP(srv)
			}
		}

		logger.Info("開始輪詢",
			zap.String("tty", connect.TTYPath),
			zap.Uint8("slave", connect.SlaveID),
			zap.String("rregs", FormatRegisterList(rregAddresses(connect.Rregs))),
			zap.String("rwregs", FormatRegisterList(rwregAddresses(connect.Rwregs))),
		)

		if err := master.Send(connect); err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				_ = master.Send(Disconnect{})
				logger.Info("停止輪詢")
				return nil
			case r, ok := <-master.Reports():
				if !ok {
					return ErrMasterClosed
				}
				printReport(cmd.OutOrStdout(), r)
			}
		}
	},
}

func rregAddresses(regs []Rreg) []RegisterAddress {
	out := make([]RegisterAddress, len(regs))
	for i, r := range regs {
		out[i] = r.Address
	}
	return out
}

func rwregAddresses(regs []Rwreg) []RegisterAddress {
	out := make([]RegisterAddress, len(regs))
	for i, r := range regs {
		out[i] = r.Address
	}
	return out
}

// printReport 輸出一筆報告
func printReport(w io.Writer, r Report) {
	switch r := r.(type) {
	case PollRregsUpdate:
		printPollResult(w, "Rreg", r.Values, r.Err)
	case PollRwregsUpdate:
		printPollResult(w, "Rwreg", r.Values, r.Err)
	case StatusReport:
		fmt.Fprintf(w, "[%s] %s\n", r.Level, r)
	}
}

func printPollResult(w io.Writer, category string, values PollResult, err error) {
	if err != nil {
		fmt.Fprintf(w, "%s: 讀取失敗: %v\n", category, err)
		return
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d=%d", v.Address, v.Value)
	}
	fmt.Fprintf(w, "%s: %s\n", category, strings.Join(parts, " "))
}

// runOneShot 送出單次指令並等待其狀態報告
func runOneShot(cmd *cobra.Command, command Command) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), oneShotTimeout)
	defer cancel()

	master := NewModbusMaster(appConfig.MasterOptions(logger, nil)...)
	defer master.Close()

	if err := master.Send(command); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("等待 %s 結果: %w", command.commandName(), ctx.Err())
		case r, ok := <-master.Reports():
			if !ok {
				return ErrMasterClosed
			}
			status, ok := r.(StatusReport)
			if !ok {
				continue
			}
			printReport(cmd.OutOrStdout(), status)
			if status.Level != LevelInfo {
				return errors.New(status.Text)
			}
			return nil
		}
	}
}

// sensorCmd 建立校正命令 (nullgas / messgas)
func sensorCmd(use, short string, build func(sensor int, protection RegisterAddress) Command) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			sensor, _ := cmd.Flags().GetInt("sensor")
			board, err := appConfig.ResolveBoard()
			if err != nil {
				return err
			}
			return runOneShot(cmd, build(sensor, board.ProtectionRegister))
		},
	}
	c.Flags().Int("sensor", 1, "感測器編號 (1 或 2)")
	return c
}

var nullgasCmd = sensorCmd("nullgas", "零點校正", func(sensor int, protection RegisterAddress) Command {
	return Nullgas{
		TTYPath:            appConfig.Serial.Port,
		SlaveID:            appConfig.Serial.SlaveID,
		ProtectionRegister: protection,
		SensorNum:          sensor,
	}
})

var messgasCmd = sensorCmd("messgas", "量測氣體校正", func(sensor int, protection RegisterAddress) Command {
	return Messgas{
		TTYPath:            appConfig.Serial.Port,
		SlaveID:            appConfig.Serial.SlaveID,
		ProtectionRegister: protection,
		SensorNum:          sensor,
	}
})

// workingModeCmd 設定工作模式
var workingModeCmd = &cobra.Command{
	Use:   "working-mode [value]",
	Short: "設定工作模式",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := parseUint16(args[0])
		if err != nil {
			return err
		}
		if _, ok := LookupWorkingMode(value); !ok {
			return fmt.Errorf("未知的工作模式: %d (請見 boards --modes)", value)
		}
		board, err := appConfig.ResolveBoard()
		if err != nil {
			return err
		}
		return runOneShot(cmd, SetNewWorkingMode{
			TTYPath:            appConfig.Serial.Port,
			SlaveID:            appConfig.Serial.SlaveID,
			WorkingMode:        value,
			ProtectionRegister: board.ProtectionRegister,
		})
	},
}

// busIDCmd 建立位址設定命令 (modbus-id / mcs-bus-id)
func busIDCmd(use, short string, build func(newID uint8, protection RegisterAddress) Command) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [new-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil || id < 1 || id > 247 {
				return fmt.Errorf("無效的位址: %q (1-247)", args[0])
			}
			board, err := appConfig.ResolveBoard()
			if err != nil {
				return err
			}
			return runOneShot(cmd, build(uint8(id), board.ProtectionRegister))
		},
	}
}

var modbusIDCmd = busIDCmd("modbus-id", "設定新的 Modbus 位址", func(newID uint8, protection RegisterAddress) Command {
	return SetNewModbusID{
		TTYPath:            appConfig.Serial.Port,
		SlaveID:            appConfig.Serial.SlaveID,
		NewSlaveID:         newID,
		ProtectionRegister: protection,
	}
})

var mcsBusIDCmd = busIDCmd("mcs-bus-id", "設定新的 MCS bus 位址", func(newID uint8, protection RegisterAddress) Command {
	return SetNewMcsBusID{
		TTYPath:            appConfig.Serial.Port,
		SlaveID:            appConfig.Serial.SlaveID,
		NewSlaveID:         newID,
		ProtectionRegister: protection,
	}
})

// writeCmd 寫入任意保持暫存器
var writeCmd = &cobra.Command{
	Use:   "write [register] [value]",
	Short: "寫入保持暫存器 (先解鎖)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := parseUint16(args[0])
		if err != nil {
			return err
		}
		value, err := parseUint16(args[1])
		if err != nil {
			return err
		}
		board, err := appConfig.ResolveBoard()
		if err != nil {
			return err
		}
		return runOneShot(cmd, UpdateRegister{
			TTYPath:            appConfig.Serial.Port,
			SlaveID:            appConfig.Serial.SlaveID,
			RegNr:              RegisterAddress(reg),
			ProtectionRegister: board.ProtectionRegister,
			NewValue:           value,
		})
	},
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("無效的數值: %q", s)
	}
	return uint16(v), nil
}

// boardsCmd 列出支援的板子
var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "列出支援的感測器板",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "支援的感測器板:")
		for _, b := range Boards {
			fmt.Fprintf(w, "  %d  %-26s Rreg %2d  Rwreg %2d  保護暫存器 %d\n",
				b.ID, b.Name, b.RregCount, b.RwregCount, b.ProtectionRegister)
			fmt.Fprintf(w, "     %s\n", b.Description)
		}

		if modes, _ := cmd.Flags().GetBool("modes"); modes {
			fmt.Fprintln(w, "\n工作模式:")
			for _, m := range WorkingModes {
				fmt.Fprintf(w, "  %3d  %s\n", m.Value, m.Name)
			}
		}
	},
}

// simulateCmd 啟動板子模擬器
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "啟動感測器板模擬器",
	Long:  "以 Modbus RTU (--device) 或 Modbus TCP (--listen) 模擬一塊感測器板，受保護暫存器需先解鎖。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetString("device"); v != "" {
			appConfig.Simulator.Device = v
		}
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			appConfig.Simulator.Address = v
		}
		if v, _ := cmd.Flags().GetString("scenario"); v != "" {
			appConfig.Simulator.Scenario = v
		}

		board, err := appConfig.ResolveBoard()
		if err != nil {
			return err
		}

		var metrics *Metrics
		if appConfig.Metrics.Enabled {
			metrics = NewMetrics()
		}

		opts, err := appConfig.SimulatorOptions(logger, metrics)
		if err != nil {
			return err
		}
		sim := NewBoardSimulator(board, opts...)

		// 設置優雅關閉
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := sim.Start(ctx, appConfig.SimulatorEndpoint()); err != nil {
			return fmt.Errorf("啟動模擬器失敗: %w", err)
		}

		if metrics != nil {
			ready := func() bool { return sim.State() == SimulatorStateRunning }
			srv, err := metrics.Serve(appConfig.Metrics.Endpoint, appConfig.Metrics.Port, ready, logger)
			if err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			} else {
				defer shutdownHTTP(srv)
			}
		}

		<-ctx.Done()
		logger.Info("收到關閉信號")

		return sim.Stop()
	},
}

// simulateScenariosCmd 列出場景
var simulateScenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "列出可用場景",
	Run: func(cmd *cobra.Command, args []string) {
		descriptions := map[ScenarioType]string{
			ScenarioNormal:   "乾淨空氣，量測值小幅波動",
			ScenarioGasAlarm: "量測值在一段時間內升高到警報位準",
			ScenarioJitter:   "回應延遲，可觸發 master 逾時",
			ScenarioFault:    "隨機回應從站設備故障",
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "可用的模擬場景:")
		for _, s := range ListScenarioTypes() {
			fmt.Fprintf(w, "  %-12s %s\n", s, descriptions[s])
		}
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		pc, err := cfg.PollConfig()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "配置驗證通過")
		fmt.Fprintf(w, "  Port: %s (slave %d)\n", cfg.Serial.Port, cfg.Serial.SlaveID)
		fmt.Fprintf(w, "  Board: %s (保護暫存器 %d)\n", cfg.Board.Name, pc.ProtectionRegister)
		fmt.Fprintf(w, "  Rregs: %s\n", FormatRegisterList(rregAddresses(pc.Rregs)))
		fmt.Fprintf(w, "  Rwregs: %s\n", FormatRegisterList(rwregAddresses(pc.Rwregs)))
		fmt.Fprintf(w, "  Poll interval: %v\n", cfg.Poll.Interval)
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.yaml"
		}

		if err := DefaultConfig().SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "rgms-konfig version %s\n", Version)
		fmt.Fprintf(w, "  Build: %s\n", BuildTime)
		fmt.Fprintf(w, "  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")
	rootCmd.PersistentFlags().StringP("port", "p", "", "序列埠路徑 (例如 /dev/ttyUSB0)")
	rootCmd.PersistentFlags().Uint8P("slave", "s", 1, "Modbus slave 位址")
	rootCmd.PersistentFlags().StringP("board", "b", "", "板子名稱或 ID")

	// poll 命令 flags
	pollCmd.Flags().Duration("interval", 0, "輪詢間隔 (最長 1s)")
	pollCmd.Flags().DurationP("duration", "d", 0, "輪詢持續時間 (0 表示直到中斷)")

	// boards 命令 flags
	boardsCmd.Flags().Bool("modes", false, "同時列出工作模式")

	// simulate 命令 flags
	simulateCmd.Flags().String("device", "", "RTU 序列埠 (空白則使用 TCP)")
	simulateCmd.Flags().String("listen", "", "TCP 監聽位址")
	simulateCmd.Flags().String("scenario", "", "模擬場景")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.yaml", "輸出檔案路徑")

	// 組裝命令樹
	simulateCmd.AddCommand(simulateScenariosCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		pollCmd,
		nullgasCmd,
		messgasCmd,
		workingModeCmd,
		modbusIDCmd,
		mcsBusIDCmd,
		writeCmd,
		boardsCmd,
		simulateCmd,
		configCmd,
		versionCmd,
	)
}

func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zcfg.Level = level

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
