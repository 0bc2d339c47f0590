package core

import "errors"

// 定义核心错误
var (
	// ErrProviderNotFound 提供商未找到错误
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderExists 同一 key 的提供商已注册
	ErrProviderExists = errors.New("provider already registered")

	// ErrInvalidDescriptor 提供商描述信息不合法
	ErrInvalidDescriptor = errors.New("invalid provider descriptor")

	// ErrOperationNotSupported 提供商不支持该操作
	ErrOperationNotSupported = errors.New("operation not supported by provider")

	// ErrInvalidArgument 调用参数不合法，例如页码小于 1
	ErrInvalidArgument = errors.New("invalid argument")
)
