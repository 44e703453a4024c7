package postgres

import "github.com/cockroachdb/errors"

var (
	// ErrNilConfig 配置为空
	ErrNilConfig = errors.New("postgres: config is nil")

	// ErrInvalidConfig 配置不合法
	ErrInvalidConfig = errors.New("postgres: invalid config")
)

func errInvalid(reason string) error {
	return errors.WithDetail(ErrInvalidConfig, reason)
}
