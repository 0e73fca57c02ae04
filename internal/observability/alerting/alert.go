package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenCustody-Chain/internal/errors"
	"OpenCustody-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelAMQP Channel = "amqp"
	ChannelLog  Channel = "log"
)

// Event 描述一次需要告警的事件：策略违规、解密失败或重试耗尽等。
type Event struct {
	Code         xerrors.Code      `json:"code"`
	Message      string            `json:"message"`
	Severity     xerrors.Severity  `json:"severity"`
	AgentID      string            `json:"agent_id,omitempty"`
	SubmissionID string            `json:"submission_id,omitempty"`
	Attempts     int               `json:"attempts,omitempty"`
	MaxAttempts  int               `json:"max_attempts,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警事件写入审计日志，作为兜底渠道。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警事件。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Warn("告警事件",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("agent_id", event.AgentID),
		slog.String("submission_id", event.SubmissionID),
		slog.String("message", event.Message),
		slog.Int("attempts", event.Attempts),
	)
	return nil
}
