package application

import "fmt"

var (
	ErrInvalidConfig = fmt.Errorf("invalid config")

	ErrScanFailed            = fmt.Errorf("scan failed")
	ErrConnectFailed         = fmt.Errorf("connect failed")
	ErrIncompatiblePeer      = fmt.Errorf("incompatible peer")
	ErrNotifySubscribeFailed = fmt.Errorf("notify subscribe failed")
	ErrWriteFailed           = fmt.Errorf("write failed")
	ErrReadFailed            = fmt.Errorf("read failed")
	ErrConfigSyncFailed      = fmt.Errorf("config sync failed")
	ErrLinkLost              = fmt.Errorf("link lost")
	ErrOperationTimeout      = fmt.Errorf("operation timeout")

	ErrNotReady       = fmt.Errorf("session not ready")
	ErrWriteQueueFull = fmt.Errorf("write queue full")

	ErrInvalidCommand = fmt.Errorf("invalid command")
)
