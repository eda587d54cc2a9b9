package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/loop"
	"github.com/taoyao-code/wake-gateway/internal/metrics"
)

// 周期任务依赖，全部以窄接口表达，便于测试
type (
	// TransferSweeper 分片重组的超时扫描
	TransferSweeper interface {
		Sweep(ctx context.Context, now time.Time)
		Active() int
	}
	// CommandSweeper 指令的重试与过期扫描
	CommandSweeper interface {
		Sweep(ctx context.Context, now time.Time)
		Depth(ctx context.Context) (int64, error)
	}
	// SessionLister 时间窗口内的会话
	SessionLister interface {
		ActiveSessions(ctx context.Context, from, to time.Time) ([]int64, error)
	}
	// SnapshotGenerator 快照生成
	SnapshotGenerator interface {
		GenerateUpTo(ctx context.Context, sessionID int64, now time.Time) (int, error)
	}
	// HeartbeatPruner 心跳记录清理
	HeartbeatPruner interface {
		PruneHeartbeats(ctx context.Context, before time.Time) (int64, error)
	}
)

// Intervals 各周期任务的执行间隔
type Intervals struct {
	TransferSweep      time.Duration
	CommandSweep       time.Duration
	PresencePrune      time.Duration
	Snapshot           time.Duration
	HeartbeatRetention time.Duration
}

// WorkerDeps 周期任务依赖
type WorkerDeps struct {
	Transfers  TransferSweeper
	Commands   CommandSweeper
	Presence   PresenceTracker
	Sessions   SessionLister
	Snapshots  SnapshotGenerator
	Heartbeats HeartbeatPruner
	Metrics    *metrics.AppMetrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewWorkers 构建后台周期任务；nil 依赖对应的任务不创建
func NewWorkers(d WorkerDeps, iv Intervals) []*loop.Loop {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	opts := []loop.Option{loop.WithLogger(d.Logger), loop.WithNow(d.Now)}
	var loops []*loop.Loop

	if d.Transfers != nil {
		loops = append(loops, loop.New("transfer-sweep", iv.TransferSweep, func(ctx context.Context, now time.Time) {
			d.Transfers.Sweep(ctx, now)
			if d.Metrics != nil {
				d.Metrics.ActiveTransfers.Set(float64(d.Transfers.Active()))
			}
		}, opts...))
	}

	if d.Commands != nil {
		loops = append(loops, loop.New("command-sweep", iv.CommandSweep, func(ctx context.Context, now time.Time) {
			d.Commands.Sweep(ctx, now)
			if d.Metrics == nil {
				return
			}
			depth, err := d.Commands.Depth(ctx)
			if err != nil {
				d.Logger.Warn("command depth query failed", zap.Error(err))
				return
			}
			d.Metrics.CommandQueueDepth.Set(float64(depth))
		}, opts...))
	}

	if d.Presence != nil {
		loops = append(loops, loop.New("presence-prune", iv.PresencePrune, func(_ context.Context, now time.Time) {
			if n := d.Presence.Prune(now); n > 0 {
				d.Logger.Debug("presence pruned", zap.Int("devices", n))
			}
			if d.Metrics != nil {
				d.Metrics.OnlineGauge.Set(float64(d.Presence.OnlineCount(now)))
			}
		}, opts...))
	}

	if d.Sessions != nil && d.Snapshots != nil {
		interval := iv.Snapshot
		loops = append(loops, loop.New("session-snapshot", interval, func(ctx context.Context, now time.Time) {
			// 回看一个周期，保证刚结束的会话补齐最后一轮
			ids, err := d.Sessions.ActiveSessions(ctx, now.Add(-interval), now)
			if err != nil {
				d.Logger.Warn("list active sessions failed", zap.Error(err))
				return
			}
			for _, id := range ids {
				n, err := d.Snapshots.GenerateUpTo(ctx, id, now)
				if err != nil {
					d.Logger.Warn("snapshot generation failed", zap.Int64("session_id", id), zap.Error(err))
				}
				if d.Metrics != nil {
					d.Metrics.SnapshotsTotal.Add(float64(n))
				}
			}
		}, opts...))
	}

	if d.Heartbeats != nil && iv.HeartbeatRetention > 0 {
		loops = append(loops, loop.New("heartbeat-prune", time.Hour, func(ctx context.Context, now time.Time) {
			n, err := d.Heartbeats.PruneHeartbeats(ctx, now.Add(-iv.HeartbeatRetention))
			if err != nil {
				d.Logger.Warn("heartbeat prune failed", zap.Error(err))
				return
			}
			if n > 0 {
				d.Logger.Info("heartbeats pruned", zap.Int64("rows", n))
			}
		}, opts...))
	}

	return loops
}
