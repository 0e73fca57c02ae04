package rpc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"OpenCustody-Chain/internal/chain"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct a JSON-RPC chain client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client talks to a ledger node over JSON-RPC 2.0. The wire methods mirror
// the node's status/submission API; payloads travel base64-encoded.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链节点 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

func (c *Client) conn() (*gethrpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient == nil {
		return nil, errors.New("链客户端已关闭")
	}
	return c.rpcClient, nil
}

// LatestBlockhash fetches a fresh recency token and its expiry height.
func (c *Client) LatestBlockhash(ctx context.Context) (chain.Blockhash, error) {
	conn, err := c.conn()
	if err != nil {
		return chain.Blockhash{}, err
	}
	var result chain.Blockhash
	if err := conn.CallContext(ctx, &result, "getLatestBlockhash"); err != nil {
		return chain.Blockhash{}, fmt.Errorf("获取最新 blockhash 失败: %w", err)
	}
	if result.Hash == "" {
		return chain.Blockhash{}, errors.New("节点返回空 blockhash")
	}
	return result, nil
}

// BlockHeight returns the node's current ledger height.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	conn, err := c.conn()
	if err != nil {
		return 0, err
	}
	var height uint64
	if err := conn.CallContext(ctx, &height, "getBlockHeight"); err != nil {
		return 0, fmt.Errorf("获取当前区块高度失败: %w", err)
	}
	return height, nil
}

// Simulate dry-runs a signed payload without broadcasting it.
func (c *Client) Simulate(ctx context.Context, payload []byte) (chain.SimulationResult, error) {
	conn, err := c.conn()
	if err != nil {
		return chain.SimulationResult{}, err
	}
	var result chain.SimulationResult
	encoded := base64.StdEncoding.EncodeToString(payload)
	if err := conn.CallContext(ctx, &result, "simulateTransaction", encoded); err != nil {
		return chain.SimulationResult{}, fmt.Errorf("模拟交易失败: %w", err)
	}
	return result, nil
}

// Submit broadcasts a signed payload and returns the submission identifier.
func (c *Client) Submit(ctx context.Context, payload []byte) (string, error) {
	conn, err := c.conn()
	if err != nil {
		return "", err
	}
	var submissionID string
	encoded := base64.StdEncoding.EncodeToString(payload)
	if err := conn.CallContext(ctx, &submissionID, "sendTransaction", encoded); err != nil {
		return "", fmt.Errorf("发送交易失败: %w", err)
	}
	if submissionID == "" {
		return "", errors.New("节点未返回提交标识")
	}
	return submissionID, nil
}

// SignatureStatus queries the current confirmation status of a submission.
func (c *Client) SignatureStatus(ctx context.Context, submissionID string) (chain.SignatureStatus, error) {
	conn, err := c.conn()
	if err != nil {
		return chain.SignatureStatus{}, err
	}
	var statuses []chain.SignatureStatus
	if err := conn.CallContext(ctx, &statuses, "getSignatureStatuses", []string{submissionID}); err != nil {
		return chain.SignatureStatus{}, fmt.Errorf("查询提交状态失败: %w", err)
	}
	if len(statuses) == 0 {
		return chain.SignatureStatus{State: chain.StateUnknown}, nil
	}
	status := statuses[0]
	if status.State == "" {
		status.State = chain.StateUnknown
	}
	return status, nil
}

var _ chain.Client = (*Client)(nil)
