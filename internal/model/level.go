package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidLevel 未知层级
var ErrInvalidLevel = errors.New("unknown level")

// Level 层级：main / sub / part
type Level string

const (
	LevelMain Level = "main"
	LevelSub  Level = "sub"
	LevelPart Level = "part"
)

// Levels 按树的自顶向下顺序
var Levels = []Level{LevelMain, LevelSub, LevelPart}

// ParseLevel 解析层级（忽略大小写）
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelMain:
		return LevelMain, nil
	case LevelSub:
		return LevelSub, nil
	case LevelPart:
		return LevelPart, nil
	}
	return "", fmt.Errorf("%w %q", ErrInvalidLevel, s)
}

// Child 下一级层级；part 没有下一级
func (l Level) Child() Level {
	switch l {
	case LevelMain:
		return LevelSub
	case LevelSub:
		return LevelPart
	}
	return ""
}

// LevelSet 层级集合
type LevelSet uint8

const (
	setMain LevelSet = 1 << iota
	setSub
	setPart
)

// AllLevels main|sub|part
const AllLevels = setMain | setSub | setPart

// NewLevelSet 由层级列表构造集合
func NewLevelSet(levels ...Level) LevelSet {
	var s LevelSet
	for _, l := range levels {
		s |= levelBit(l)
	}
	return s
}

func levelBit(l Level) LevelSet {
	switch l {
	case LevelMain:
		return setMain
	case LevelSub:
		return setSub
	case LevelPart:
		return setPart
	}
	return 0
}

// Has 是否包含层级 l
func (s LevelSet) Has(l Level) bool {
	bit := levelBit(l)
	return bit != 0 && s&bit != 0
}

// Empty 是否为空集
func (s LevelSet) Empty() bool {
	return s == 0
}

func (s LevelSet) String() string {
	parts := make([]string, 0, 3)
	for _, l := range Levels {
		if s.Has(l) {
			parts = append(parts, string(l))
		}
	}
	return strings.Join(parts, "|")
}

// PartRole 拆分记录角色：auto 取互补值，manual 由用户填写
type PartRole string

const (
	RoleAuto   PartRole = "auto"
	RoleManual PartRole = "manual"
)

func (r PartRole) rank() int {
	switch r {
	case RoleAuto:
		return 0
	case RoleManual:
		return 1
	}
	return 2
}
