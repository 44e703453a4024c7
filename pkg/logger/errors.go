package logger

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidOutputPath 启用文件输出但未指定路径
	ErrInvalidOutputPath = errors.New("logger: output_path is required when enable_file is true")

	// ErrNoOutputEnabled 控制台和文件输出都被禁用
	ErrNoOutputEnabled = errors.New("logger: at least one of console/file output must be enabled")

	// ErrInvalidLevel 无效的日志等级
	ErrInvalidLevel = errors.New("logger: invalid level")
)
