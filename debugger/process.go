package debugger

import (
	"sync"

	"github.com/fansqz/go-bpsync/breakpoint"
	"github.com/fansqz/go-bpsync/protocol"
	"golang.org/x/exp/slices"
)

// Process 目标进程的模块以及线程
type Process struct {
	lock    sync.RWMutex
	modules map[string]Module
	threads map[int]*Thread
}

func NewProcess() *Process {
	return &Process{
		modules: map[string]Module{},
		threads: map[int]*Thread{},
	}
}

func (p *Process) start(modules []protocol.ModuleInfo, threads []int) {
	defer p.lock.Unlock()
	p.lock.Lock()
	p.modules = map[string]Module{}
	p.threads = map[int]*Thread{}
	for _, info := range modules {
		p.modules[info.Name] = newModule(info)
	}
	for _, id := range threads {
		p.threads[id] = &Thread{ID: id}
	}
}

func (p *Process) reset() {
	p.start(nil, nil)
}

func (p *Process) loadModule(info protocol.ModuleInfo) {
	defer p.lock.Unlock()
	p.lock.Lock()
	p.modules[info.Name] = newModule(info)
}

func (p *Process) unloadModule(name string) {
	defer p.lock.Unlock()
	p.lock.Lock()
	delete(p.modules, name)
}

func (p *Process) addThread(id int) {
	defer p.lock.Unlock()
	p.lock.Lock()
	if _, ok := p.threads[id]; !ok {
		p.threads[id] = &Thread{ID: id}
	}
}

func (p *Process) removeThread(id int) {
	defer p.lock.Unlock()
	p.lock.Lock()
	delete(p.threads, id)
}

func (p *Process) setCurrentAddress(id int, address uint64) {
	defer p.lock.Unlock()
	p.lock.Lock()
	thread, ok := p.threads[id]
	if !ok {
		thread = &Thread{ID: id}
		p.threads[id] = thread
	}
	thread.CurrentAddress = address
}

// Threads 按线程id排序
func (p *Process) Threads() []Thread {
	defer p.lock.RUnlock()
	p.lock.RLock()
	answer := make([]Thread, 0, len(p.threads))
	for _, thread := range p.threads {
		answer = append(answer, *thread)
	}
	slices.SortFunc(answer, func(a, b Thread) int {
		return a.ID - b.ID
	})
	return answer
}

func (p *Process) Modules() []Module {
	defer p.lock.RUnlock()
	p.lock.RLock()
	answer := make([]Module, 0, len(p.modules))
	for _, module := range p.modules {
		answer = append(answer, module)
	}
	slices.SortFunc(answer, func(a, b Module) int {
		switch {
		case a.ImageBase < b.ImageBase:
			return -1
		case a.ImageBase > b.ImageBase:
			return 1
		}
		return 0
	})
	return answer
}

// Relocate 绝对地址不需要转换，模块地址只有在模块加载并且地址在模块范围内时才能转换
func (p *Process) Relocate(address breakpoint.Address) (breakpoint.RelocatedAddress, bool) {
	if address.Module == "" {
		return breakpoint.RelocatedAddress(address.Offset), true
	}
	defer p.lock.RUnlock()
	p.lock.RLock()
	module, ok := p.modules[address.Module]
	if !ok || address.Offset < module.FileBase || address.Offset-module.FileBase >= module.Size {
		return 0, false
	}
	return breakpoint.RelocatedAddress(module.ImageBase + address.Offset - module.FileBase), true
}

// Unrelocate 不在任何模块范围内的地址作为绝对地址
func (p *Process) Unrelocate(relocated breakpoint.RelocatedAddress) breakpoint.Address {
	defer p.lock.RUnlock()
	p.lock.RLock()
	value := uint64(relocated)
	for _, module := range p.modules {
		if value >= module.ImageBase && value-module.ImageBase < module.Size {
			return breakpoint.NewAddress(module.Name, value-module.ImageBase+module.FileBase)
		}
	}
	return breakpoint.NewAddress("", value)
}
