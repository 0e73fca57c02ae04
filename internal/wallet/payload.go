package wallet

import (
	"encoding/base64"
	"encoding/json"

	"OpenCustody-Chain/internal/chain"
	xerrors "OpenCustody-Chain/internal/errors"
)

// envelope 是待签名的规范化消息体。字段顺序固定，
// 同样的输入总是产生同样的字节序列，签名校验才有意义。
type envelope struct {
	FeePayer     string              `json:"fee_payer"`
	Blockhash    string              `json:"blockhash"`
	ExpiryHeight uint64              `json:"last_valid_block_height"`
	Instructions []chain.Instruction `json:"instructions"`
}

// signedPayload 是提交上链的最终载荷：原始消息加上费用支付方的签名。
type signedPayload struct {
	Message   json.RawMessage `json:"message"`
	Signature string          `json:"signature"`
}

// buildMessage 将指令批次与最新 blockhash 组装为待签名消息。
func buildMessage(feePayer string, bh chain.Blockhash, instructions []chain.Instruction) ([]byte, error) {
	if feePayer == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "费用支付方公钥不能为空")
	}
	if bh.Hash == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "blockhash 不能为空")
	}
	message, err := json.Marshal(envelope{
		FeePayer:     feePayer,
		Blockhash:    bh.Hash,
		ExpiryHeight: bh.ExpiryHeight,
		Instructions: instructions,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易消息失败")
	}
	return message, nil
}

// sealMessage 将签名附加到消息上，生成最终提交载荷。
func sealMessage(message, signature []byte) ([]byte, error) {
	payload, err := json.Marshal(signedPayload{
		Message:   json.RawMessage(message),
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码签名载荷失败")
	}
	return payload, nil
}
