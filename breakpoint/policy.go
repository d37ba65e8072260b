package breakpoint

import "github.com/fansqz/go-bpsync/constants"

type hitAction int

const (
	// hitMarks 命中的断点变为HIT，之前命中的断点恢复为ACTIVE
	hitMarks hitAction = iota
	// hitClearsKind agent在命中以后会移除所有同类型的断点
	hitClearsKind
	// hitObserved 只通知监听者，不改变状态
	hitObserved
)

// Policy 每种断点类型的行为
type Policy struct {
	// rank 越小优先级越高，同一地址上高优先级的断点会替换低优先级的断点
	rank int
	// AcceptsCondition 是否支持条件以及描述
	AcceptsCondition bool
	// Traceable 是否用于trace
	Traceable bool
	// RequiresSession 只能在目标进程运行时添加
	RequiresSession bool
	// PassiveClear 目标进程重置时直接清除
	PassiveClear bool
	// HitStops 命中以后目标进程暂停
	HitStops bool
	hit      hitAction
}

var policies = map[constants.BreakpointKind]Policy{
	constants.RegularBreakpoint: {
		rank:             0,
		AcceptsCondition: true,
		HitStops:         true,
		hit:              hitMarks,
	},
	constants.StepBreakpoint: {
		rank:            1,
		RequiresSession: true,
		PassiveClear:    true,
		HitStops:        true,
		hit:             hitClearsKind,
	},
	constants.EchoBreakpoint: {
		rank:            2,
		Traceable:       true,
		RequiresSession: true,
		PassiveClear:    true,
		hit:             hitObserved,
	},
}

func PolicyOf(kind constants.BreakpointKind) (Policy, bool) {
	policy, ok := policies[kind]
	return policy, ok
}

// outranks 返回优先级高于kind的类型
func outranks(kind constants.BreakpointKind) []constants.BreakpointKind {
	var answer []constants.BreakpointKind
	for _, other := range constants.BreakpointKinds {
		if policies[other].rank < policies[kind].rank {
			answer = append(answer, other)
		}
	}
	return answer
}

// displaces 返回优先级低于kind的类型
func displaces(kind constants.BreakpointKind) []constants.BreakpointKind {
	var answer []constants.BreakpointKind
	for _, other := range constants.BreakpointKinds {
		if policies[other].rank > policies[kind].rank {
			answer = append(answer, other)
		}
	}
	return answer
}
