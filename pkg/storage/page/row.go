package page

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	ColumnUsernameSize = 32
	ColumnEmailSize    = 255

	IDSize       = 4
	UsernameSize = ColumnUsernameSize
	EmailSize    = ColumnEmailSize
	RowSize      = IDSize + UsernameSize + EmailSize

	IDOffset       = 0
	UsernameOffset = IDOffset + IDSize
	EmailOffset    = UsernameOffset + UsernameSize
)

var ErrFieldTooLong = errors.New("field exceeds column size")

// Row 表里唯一的记录格式，id 同时也是树的 key
type Row struct {
	ID       uint32
	Username string
	Email    string
}

func (r Row) String() string {
	return fmt.Sprintf("(%d, %s, %s)", r.ID, r.Username, r.Email)
}

// Validate 检查字符串字段是否超过定长列
func (r Row) Validate() error {
	if len(r.Username) > ColumnUsernameSize {
		return errors.Wrapf(ErrFieldTooLong, "username is %d bytes, max %d", len(r.Username), ColumnUsernameSize)
	}
	if len(r.Email) > ColumnEmailSize {
		return errors.Wrapf(ErrFieldTooLong, "email is %d bytes, max %d", len(r.Email), ColumnEmailSize)
	}
	return nil
}

// SerializeRow 把 r 写进 dst (至少 RowSize 字节)
// 先整体清零，短字符串后面不会残留之前的数据
func SerializeRow(r Row, dst []byte) error {
	if len(dst) < RowSize {
		return errors.Errorf("row buffer is %d bytes, need %d", len(dst), RowSize)
	}
	if err := r.Validate(); err != nil {
		return err
	}

	rec := dst[:RowSize]
	clear(rec)
	binary.LittleEndian.PutUint32(rec[IDOffset:], r.ID)
	copy(rec[UsernameOffset:UsernameOffset+UsernameSize], r.Username)
	copy(rec[EmailOffset:EmailOffset+EmailSize], r.Email)
	return nil
}

// DeserializeRow 解码一条记录，字符串在第一个 NUL 处截断
func DeserializeRow(src []byte) (Row, error) {
	if len(src) < RowSize {
		return Row{}, errors.Errorf("row buffer is %d bytes, need %d", len(src), RowSize)
	}
	return Row{
		ID:       binary.LittleEndian.Uint32(src[IDOffset:]),
		Username: cString(src[UsernameOffset : UsernameOffset+UsernameSize]),
		Email:    cString(src[EmailOffset : EmailOffset+EmailSize]),
	}, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
