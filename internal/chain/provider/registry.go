package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"OpenCustody-Chain/internal/chain"
	"OpenCustody-Chain/internal/chain/rpc"
	"OpenCustody-Chain/internal/config"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]chain.Client
}

// NewRegistry loads endpoint definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.ChainConfig) (*Registry, error) {
	defs, err := chain.LoadEndpointDefinitions(cfg.EndpointConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]chain.Client)
	for name, endpoint := range defs.Endpoints {
		endpointType := strings.ToLower(strings.TrimSpace(endpoint.Type))
		if endpointType == "" {
			endpointType = "jsonrpc"
		}
		switch endpointType {
		case "jsonrpc":
			client, err := rpc.NewClient(ctx, rpc.Config{
				Name:   name,
				RPCURL: endpoint.RPCURL,
				Notes:  endpoint.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链端点 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("链端点 %s 使用了不支持的类型 %s", name, endpoint.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := rpc.NewClient(ctx, rpc.Config{RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (chain.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (chain.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
