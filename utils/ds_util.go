package utils

import (
	"github.com/emirpasic/gods/sets"
	"github.com/emirpasic/gods/sets/hashset"
)

func List2set[T any](list []T) sets.Set {
	set := hashset.New()
	for _, value := range list {
		set.Add(value)
	}
	return set
}

// IsSubset sub中的每个元素都在super中
func IsSubset(sub sets.Set, super sets.Set) bool {
	return super.Contains(sub.Values()...)
}

// Set2list 将set转换为list，元素类型必须为T
func Set2list[T any](set sets.Set) []T {
	values := set.Values()
	answer := make([]T, 0, len(values))
	for _, value := range values {
		answer = append(answer, value.(T))
	}
	return answer
}
