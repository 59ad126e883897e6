package disk

import (
	"acdb/pkg/storage/page"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

var (
	// ErrCorruptFile 文件长度不是页大小的整数倍
	ErrCorruptFile = errors.New("db file is not a whole number of pages")
	ErrLocked      = errors.New("db file is locked by another process")
	ErrClosed      = errors.New("disk manager is closed")
)

// DiskManager 负责在数据库文件和内存之间读写整页
type DiskManager interface {
	ReadPage(pageID page.PageID, p *page.Page) error
	WritePage(pageID page.PageID, p *page.Page) error
	// NumPages 文件里当前的页数
	NumPages() uint32
	FileSize() int64
	Sync() error
	Close() error
}

type DiskManagerImpl struct {
	dbFile   *os.File
	fileName string
	numPages uint32
}

// NewDiskManager 打开或创建数据库文件，并加排他锁
// 长度不是 page.PageSize 整数倍的文件直接拒绝
func NewDiskManager(dbFileName string) (*DiskManagerImpl, error) {
	dir := filepath.Dir(dbFileName)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create dir %s", dir)
		}
	}

	file, err := os.OpenFile(dbFileName, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dbFileName)
	}

	if err := lockFile(file); err != nil {
		file.Close()
		return nil, err
	}

	fileInfo, err := file.Stat()
	if err != nil {
		unlockFile(file)
		file.Close()
		return nil, errors.Wrapf(err, "stat %s", dbFileName)
	}

	size := fileInfo.Size()
	if size%page.PageSize != 0 {
		unlockFile(file)
		file.Close()
		return nil, errors.Wrapf(ErrCorruptFile, "%s is %d bytes", dbFileName, size)
	}

	return &DiskManagerImpl{
		dbFile:   file,
		fileName: dbFileName,
		numPages: uint32(size / page.PageSize),
	}, nil
}

func (d *DiskManagerImpl) Name() string {
	return d.fileName
}

func (d *DiskManagerImpl) NumPages() uint32 {
	return d.numPages
}

func (d *DiskManagerImpl) FileSize() int64 {
	return int64(d.numPages) * page.PageSize
}

// ReadPage 把 pageID 的磁盘内容读进 p
// 超出文件末尾的页还没写过，读出来全是 0
func (d *DiskManagerImpl) ReadPage(pageID page.PageID, p *page.Page) error {
	if d.dbFile == nil {
		return ErrClosed
	}
	if uint32(pageID) >= d.numPages {
		p.Clear()
		return nil
	}

	offset := int64(pageID) * page.PageSize
	if _, err := d.dbFile.ReadAt(p.Data[:], offset); err != nil {
		return errors.Wrapf(err, "read page %d at offset %d", pageID, offset)
	}
	return nil
}

// WritePage 把整页写到对应偏移，必要时文件会变长
func (d *DiskManagerImpl) WritePage(pageID page.PageID, p *page.Page) error {
	if d.dbFile == nil {
		return ErrClosed
	}

	offset := int64(pageID) * page.PageSize
	if _, err := d.dbFile.WriteAt(p.Data[:], offset); err != nil {
		return errors.Wrapf(err, "write page %d at offset %d", pageID, offset)
	}
	if uint32(pageID) >= d.numPages {
		d.numPages = uint32(pageID) + 1
	}
	return nil
}

func (d *DiskManagerImpl) Sync() error {
	if d.dbFile == nil {
		return ErrClosed
	}
	return errors.Wrap(d.dbFile.Sync(), "sync db file")
}

// Close 释放锁和文件句柄，重复调用没有副作用
func (d *DiskManagerImpl) Close() error {
	if d.dbFile == nil {
		return nil
	}
	unlockFile(d.dbFile)
	err := d.dbFile.Close()
	d.dbFile = nil
	return errors.Wrap(err, "close db file")
}
