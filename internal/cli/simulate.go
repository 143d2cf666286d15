package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"chainwatch/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "以给定价格模拟一次价格告警并经配置的通道发送",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.Price == "" || simulateOpts.Threshold == "" {
			return errors.New("--price 与 --threshold 必须提供")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.UserID, "user", "simulator", "接收告警的用户 ID")
	simulateCmd.Flags().StringVar(&simulateOpts.Symbol, "symbol", "ethereum", "币种")
	simulateCmd.Flags().StringVar(&simulateOpts.Price, "price", "", "模拟的当前价格 (USD)")
	simulateCmd.Flags().StringVar(&simulateOpts.Threshold, "threshold", "", "告警阈值 (USD)")
	simulateCmd.Flags().StringVar(&simulateOpts.Direction, "direction", "above", "above 或 below")
}
