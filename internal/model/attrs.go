package model

import (
	"fmt"
	"sort"
	"strings"
)

// Attrs 记录属性：键为字段名，嵌套字段（如 address.city）存放在子 Attrs 中。
// 叶子值统一为字符串，空串表示空白。
type Attrs map[string]any

// SplitPath 拆分点路径
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}

// Get 读取点路径上的值；不存在或不是叶子时返回空串
func (a Attrs) Get(path string) string {
	v, ok := a.Lookup(path)
	if !ok {
		return ""
	}
	return v
}

// Lookup 读取点路径上的叶子值
func (a Attrs) Lookup(path string) (string, bool) {
	if a == nil {
		return "", false
	}
	segs := SplitPath(path)
	cur := a
	for i, seg := range segs {
		raw, ok := cur[seg]
		if !ok {
			return "", false
		}
		if i == len(segs)-1 {
			return leafString(raw)
		}
		next, ok := asAttrs(raw)
		if !ok {
			return "", false
		}
		cur = next
	}
	return "", false
}

// Set 写入点路径，按需创建中间容器。中间节点若是叶子会被容器替换。
func (a Attrs) Set(path, value string) {
	segs := SplitPath(path)
	cur := a
	for _, seg := range segs[:len(segs)-1] {
		next, ok := asAttrs(cur[seg])
		if !ok {
			next = Attrs{}
			cur[seg] = next
		} else if _, isAttrs := cur[seg].(Attrs); !isAttrs {
			// JSON 解码出来的是 map[string]any，统一成 Attrs
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// Clone 深拷贝
func (a Attrs) Clone() Attrs {
	if a == nil {
		return Attrs{}
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		if nested, ok := asAttrs(v); ok {
			out[k] = nested.Clone()
			continue
		}
		out[k] = v
	}
	return out
}

// Flatten 展开为 点路径 -> 值
func (a Attrs) Flatten() map[string]string {
	out := map[string]string{}
	a.flattenInto("", out)
	return out
}

func (a Attrs) flattenInto(prefix string, out map[string]string) {
	for k, v := range a {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := asAttrs(v); ok {
			nested.flattenInto(key, out)
			continue
		}
		if s, ok := leafString(v); ok {
			out[key] = s
		}
	}
}

// Paths 已有叶子路径（排序）
func (a Attrs) Paths() []string {
	flat := a.Flatten()
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func asAttrs(v any) (Attrs, bool) {
	switch t := v.(type) {
	case Attrs:
		return t, true
	case map[string]any:
		return Attrs(t), true
	}
	return nil, false
}

func leafString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	case float64:
		// 兼容旧草稿中以 JSON 数字保存的值
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", t), "0"), "."), true
	case bool:
		if t {
			return "yes", true
		}
		return "no", true
	}
	return "", false
}
