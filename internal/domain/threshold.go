package domain

// ThresholdConfig 健康分类阈值，按一次评估不可变地传入。
type ThresholdConfig struct {
	WindowHours         int     `json:"windowHours"`
	MinSampleCount      int     `json:"minSampleCount"`
	WarningRatePercent  float64 `json:"warningRatePercent"`
	CriticalRatePercent float64 `json:"criticalRatePercent"`
	// 异常检测（平台健康变体）：当前窗口与前置基线窗口比较，
	// 相对倍数与绝对增量两个条件同时满足才判定异常，
	// 避免近零基线上的相对跳变误报。
	BaselineWindowHours    int     `json:"baselineWindowHours"`
	AnomalyMultiplier      float64 `json:"anomalyMultiplier"`
	AnomalyMinDeltaPercent float64 `json:"anomalyMinDeltaPercent"`
}

// Normalize 收敛非法阈值到可用范围。critical 永远不低于 warning。
func (c ThresholdConfig) Normalize() ThresholdConfig {
	out := c
	if out.WindowHours < 1 {
		out.WindowHours = 24
	}
	if out.WindowHours > 168 {
		out.WindowHours = 168
	}
	if out.MinSampleCount < 1 {
		out.MinSampleCount = 1
	}
	if out.WarningRatePercent < 0 {
		out.WarningRatePercent = 0
	}
	if out.WarningRatePercent > 100 {
		out.WarningRatePercent = 100
	}
	if out.CriticalRatePercent < out.WarningRatePercent {
		out.CriticalRatePercent = out.WarningRatePercent
	}
	if out.CriticalRatePercent > 100 {
		out.CriticalRatePercent = 100
	}
	if out.BaselineWindowHours < 0 {
		out.BaselineWindowHours = 0
	}
	if out.AnomalyMultiplier < 1 {
		out.AnomalyMultiplier = 1
	}
	if out.AnomalyMinDeltaPercent < 0 {
		out.AnomalyMinDeltaPercent = 0
	}
	return out
}
