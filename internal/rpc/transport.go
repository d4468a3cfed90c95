// Package rpc 封装远端链服务的 JSON-RPC 调用：节点选择、超时重试、广播去重
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
)

// RemoteError 远端返回的结构化错误，属于语义失败，不重试
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Transport 单次调用一个指定节点
type Transport interface {
	Call(ctx context.Context, endpointURL, method string, params []any) (json.RawMessage, error)
}

// EthTransport 基于 go-ethereum rpc.Client 的 JSON-RPC 2.0 传输，每个 URL 复用一个客户端
type EthTransport struct {
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*gethrpc.Client
}

// NewEthTransport 创建传输层
func NewEthTransport(httpClient *http.Client) *EthTransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &EthTransport{
		httpClient: httpClient,
		clients:    make(map[string]*gethrpc.Client),
	}
}

// Call 发起调用，远端错误转换为 *RemoteError
func (t *EthTransport) Call(ctx context.Context, endpointURL, method string, params []any) (json.RawMessage, error) {
	client, err := t.client(ctx, endpointURL)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	if err := client.CallContext(ctx, &result, method, params...); err != nil {
		var rpcErr gethrpc.Error
		if errors.As(err, &rpcErr) {
			remote := &RemoteError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
			var dataErr gethrpc.DataError
			if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
				remote.Data = fmt.Sprint(dataErr.ErrorData())
			}
			return nil, remote
		}
		return nil, err
	}
	return result, nil
}

// Forget 关闭并丢弃节点对应的客户端
func (t *EthTransport) Forget(endpointURL string) {
	t.mu.Lock()
	c, ok := t.clients[endpointURL]
	delete(t.clients, endpointURL)
	t.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close 关闭所有客户端
func (t *EthTransport) Close() {
	t.mu.Lock()
	clients := t.clients
	t.clients = make(map[string]*gethrpc.Client)
	t.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func (t *EthTransport) client(ctx context.Context, endpointURL string) (*gethrpc.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[endpointURL]; ok {
		return c, nil
	}
	c, err := gethrpc.DialOptions(ctx, endpointURL, gethrpc.WithHTTPClient(t.httpClient))
	if err != nil {
		return nil, err
	}
	t.clients[endpointURL] = c
	return c, nil
}
