package logger

import "log"

// Init 初始化日志器
func Init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}
