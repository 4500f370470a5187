package repository

import "errors"

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// rowScanner *sql.Row 和 *sql.Rows 的公共接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}
