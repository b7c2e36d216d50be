package service

import "errors"

// 业务层通用错误，handler 根据错误类型映射到合适的 HTTP 状态码和 kind 字段。
var (
	ErrPhoneTaken         = errors.New("phone already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidRoom        = errors.New("invalid room")
)
