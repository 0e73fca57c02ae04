package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"OpenCustody-Chain/internal/chain"
	xerrors "OpenCustody-Chain/internal/errors"
)

// awaitConfirmation 轮询已提交交易的确认状态，直至确认、失效或超出
// 轮询预算。先比对账本高度与 blockhash 有效期，再查询签名状态：
// 高度越过有效期即可断定交易不会再被收录。
func (e *Executor) awaitConfirmation(ctx context.Context, submissionID string, expiryHeight uint64) error {
	for cycle := 0; cycle < e.maxPollCycles; cycle++ {
		height, err := e.client.BlockHeight(ctx)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeChainUnavailable, err, "查询账本高度失败",
				xerrors.WithMetadata("submission_id", submissionID),
			)
		}

		status, err := e.client.SignatureStatus(ctx, submissionID)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeChainUnavailable, err, "查询确认状态失败",
				xerrors.WithMetadata("submission_id", submissionID),
			)
		}

		switch {
		case status.State == chain.StateFailed:
			return xerrors.New(xerrors.CodeSubmissionFailure,
				"链上执行失败: "+status.Err,
				xerrors.WithMetadata("submission_id", submissionID),
			)
		case status.Confirmed():
			if status.Err != "" {
				return xerrors.New(xerrors.CodeSubmissionFailure,
					"交易已确认但执行出错: "+status.Err,
					xerrors.WithMetadata("submission_id", submissionID),
				)
			}
			e.log.Debug("交易已确认",
				slog.String("submission_id", submissionID),
				slog.Int("cycles", cycle+1),
			)
			return nil
		}

		if height > expiryHeight {
			return xerrors.New(xerrors.CodeSubmissionExpired,
				fmt.Sprintf("账本高度 %d 已越过有效期 %d", height, expiryHeight),
				xerrors.WithMetadata("submission_id", submissionID),
			)
		}

		select {
		case <-ctx.Done():
			// 交易已经提交，取消只是停止本地轮询，链上结果不受影响。
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "确认轮询被取消",
				xerrors.WithRetryable(false),
				xerrors.WithMetadata("submission_id", submissionID),
			)
		case <-time.After(e.pollInterval):
		}
	}

	return xerrors.New(xerrors.CodeTimeout,
		fmt.Sprintf("轮询 %d 次后仍未确认", e.maxPollCycles),
		xerrors.WithMetadata("submission_id", submissionID),
	)
}
