package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited 本地限流拒绝，换端点或退避
	ErrRateLimited = errors.New("rpc: local rate limit exceeded")
	// ErrEndpointUnhealthy 端点熔断中
	ErrEndpointUnhealthy = errors.New("rpc: endpoint unhealthy")
	// ErrNoHealthyEndpoint 没有可用端点
	ErrNoHealthyEndpoint = errors.New("rpc: no healthy endpoint available")
	// ErrAllEndpointsFailed 重试耗尽
	ErrAllEndpointsFailed = errors.New("rpc: all endpoints failed")
	// ErrUpstreamRateLimited 上游返回 429，立即换端点
	ErrUpstreamRateLimited = errors.New("rpc: upstream rate limited (429)")
	// ErrUnknownCacheKey 未记录该缓存键对应的调用
	ErrUnknownCacheKey = errors.New("rpc: no call recorded for cache key")
)

// UpstreamError 上游返回的 JSON-RPC error 字段
type UpstreamError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("rpc: upstream error from %s: code=%d message=%s", e.Endpoint, e.Code, e.Message)
}

// NetworkError 网络/超时/非 2xx 状态码
type NetworkError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("rpc: network error from %s: status=%d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("rpc: network error from %s: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AllEndpointsFailedError 重试耗尽，携带最后一次失败原因
type AllEndpointsFailedError struct {
	Method   string
	Attempts int
	Last     error
}

func (e *AllEndpointsFailedError) Error() string {
	return fmt.Sprintf("rpc: all endpoints failed for %s after %d attempts: %v", e.Method, e.Attempts, e.Last)
}

func (e *AllEndpointsFailedError) Unwrap() error {
	return e.Last
}

// Is 匹配 ErrAllEndpointsFailed
func (e *AllEndpointsFailedError) Is(target error) bool {
	return target == ErrAllEndpointsFailed
}

// IsNetworkError 是否网络错误
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsUpstreamError 是否上游业务错误
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
