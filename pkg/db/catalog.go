package db

import (
	"acdb/pkg/storage/page"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// MetaSuffix 表文件名加上这个后缀就是元数据文件
const MetaSuffix = ".meta"

var ErrLayoutMismatch = errors.New("table file was written with a different page layout")

// TableMeta 和表文件放在一起的元数据
// 只是辅助信息，以树文件为准，元数据丢了会从树重建
type TableMeta struct {
	FileID     int64     `msgpack:"file_id"`
	CreatedAt  time.Time `msgpack:"created_at"`
	LayoutHash uint64    `msgpack:"layout_hash"`
	RowCount   uint64    `msgpack:"row_count"`
	PageCount  uint32    `msgpack:"page_count"`
}

type Catalog struct {
	Meta     TableMeta
	MetaFile string
}

func MetaPath(dbPath string) string {
	return dbPath + MetaSuffix
}

// LayoutHash 磁盘布局的指纹，防止用不同的常量读同一个文件
// 内部节点扇出只是调优参数，不参与计算
func LayoutHash(layout page.Layout) uint64 {
	d := xxhash.New()
	fmt.Fprintf(d, "PAGE_SIZE=%d;", layout.PageSize)
	for _, c := range layout.Constants() {
		fmt.Fprintf(d, "%s=%d;", c.Name, c.Value)
	}
	return d.Sum64()
}

// OpenCatalog 加载 metaFile
// 文件不存在时返回新记录且 created 为 true，由调用方填好计数再保存
func OpenCatalog(metaFile string, layout page.Layout) (c *Catalog, created bool, err error) {
	hash := LayoutHash(layout)

	data, err := os.ReadFile(metaFile)
	if os.IsNotExist(err) {
		node, err := snowflake.NewNode(1)
		if err != nil {
			return nil, false, errors.Wrap(err, "create snowflake node")
		}
		return &Catalog{
			MetaFile: metaFile,
			Meta: TableMeta{
				FileID:     node.Generate().Int64(),
				CreatedAt:  time.Now().UTC(),
				LayoutHash: hash,
			},
		}, true, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %s", metaFile)
	}

	c = &Catalog{MetaFile: metaFile}
	if err := msgpack.Unmarshal(data, &c.Meta); err != nil {
		return nil, false, errors.Wrapf(err, "decode %s", metaFile)
	}
	if c.Meta.LayoutHash != hash {
		return nil, false, errors.Wrapf(ErrLayoutMismatch, "%s has layout %x, expected %x", metaFile, c.Meta.LayoutHash, hash)
	}
	return c, false, nil
}

// Save 先写临时文件再 rename，崩溃时留下的要么是旧记录要么是新记录
func (c *Catalog) Save() error {
	data, err := msgpack.Marshal(&c.Meta)
	if err != nil {
		return errors.Wrap(err, "encode table meta")
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.MetaFile), filepath.Base(c.MetaFile)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create temp meta file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	return errors.Wrapf(os.Rename(tmp.Name(), c.MetaFile), "rename to %s", c.MetaFile)
}
