package utils

import "sync"

const (
	// Init 未连接agent
	Init = "init"
	// Connected 已连接agent，目标进程还未启动
	Connected = "connected"
	// Stopped 目标进程暂停
	Stopped = "stopped"
	// Running 目标进程运行中
	Running = "running"
	// Finish 调试结束状态
	Finish = "finish"
)

// StatusManager 记录调试会话的状态
type StatusManager struct {
	lock   sync.RWMutex
	status string
}

func NewStatusManager() *StatusManager {
	return &StatusManager{
		status: Init,
	}
}

func (s *StatusManager) Set(status string) {
	defer s.lock.Unlock()
	s.lock.Lock()
	s.status = status
}

// CompareAndSet 当前状态属于from中的一个时修改为to
func (s *StatusManager) CompareAndSet(to string, from ...string) bool {
	defer s.lock.Unlock()
	s.lock.Lock()
	for _, status := range from {
		if s.status == status {
			s.status = to
			return true
		}
	}
	return false
}

func (s *StatusManager) Get() string {
	defer s.lock.RUnlock()
	s.lock.RLock()
	return s.status
}

func (s *StatusManager) Is(statusList ...string) bool {
	defer s.lock.RUnlock()
	s.lock.RLock()
	for _, status := range statusList {
		if s.status == status {
			return true
		}
	}
	return false
}
