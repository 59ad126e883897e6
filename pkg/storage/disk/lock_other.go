//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package disk

import "os"

// 只有支持 flock(2) 的平台才加锁
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) {}
