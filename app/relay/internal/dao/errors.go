package dao

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("dao: record not found")
)
