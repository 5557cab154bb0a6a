package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Transport 单次上游调用，返回 result 或分类后的错误
type Transport interface {
	Call(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error)
}

// EthRPCTransport 基于 go-ethereum rpc 客户端的 JSON-RPC 2.0 传输
type EthRPCTransport struct {
	httpClient *http.Client
	headers    http.Header

	mu      sync.Mutex
	clients map[string]*gethrpc.Client
}

// NewEthRPCTransport 创建传输层，headers 附加到每个请求 (如 API key)
func NewEthRPCTransport(httpClient *http.Client, headers http.Header) *EthRPCTransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if headers == nil {
		headers = http.Header{}
	}
	return &EthRPCTransport{
		httpClient: httpClient,
		headers:    headers,
		clients:    make(map[string]*gethrpc.Client),
	}
}

func (t *EthRPCTransport) client(ctx context.Context, url string) (*gethrpc.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[url]; ok {
		return c, nil
	}
	c, err := gethrpc.DialOptions(ctx, url,
		gethrpc.WithHTTPClient(t.httpClient),
		gethrpc.WithHeaders(t.headers),
	)
	if err != nil {
		return nil, err
	}
	t.clients[url] = c
	return c, nil
}

// Call 发送 JSON-RPC 请求
func (t *EthRPCTransport) Call(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error) {
	c, err := t.client(ctx, ep.URL)
	if err != nil {
		return nil, &NetworkError{Endpoint: ep.URL, Err: err}
	}

	var result json.RawMessage
	if err := c.CallContext(ctx, &result, method, params...); err != nil {
		return nil, classifyError(ep.URL, err)
	}
	return result, nil
}

// Close 关闭所有客户端
func (t *EthRPCTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for url, c := range t.clients {
		c.Close()
		delete(t.clients, url)
	}
}

// classifyError 将 go-ethereum 错误映射到网关错误分类
func classifyError(endpoint string, err error) error {
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return ErrUpstreamRateLimited
		}
		return &NetworkError{Endpoint: endpoint, StatusCode: httpErr.StatusCode, Err: err}
	}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return &UpstreamError{Endpoint: endpoint, Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	}

	if errors.Is(err, gethrpc.ErrNoResult) {
		return &UpstreamError{Endpoint: endpoint, Message: "response has neither result nor error"}
	}
	return &NetworkError{Endpoint: endpoint, Err: err}
}
