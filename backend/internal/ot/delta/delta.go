package delta

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var ErrOutOfRange = errors.New("OUT_OF_RANGE")

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

// Len 返回该 op 覆盖的 rune 数
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

// Delta 是一次编辑的规范形式：从文档开头依次 retain / insert / delete，末尾隐含 retain 剩余内容。
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

func (d Delta) Clone() Delta {
	if d == nil {
		return nil
	}
	out := make(Delta, len(d))
	copy(out, d)
	return out
}

// Retain / Insert / Delete 以 push 语义追加，自动合并相邻同类 op。
// 会原地修改末尾元素，只能用在自己持有的 delta 上
func (d Delta) Retain(n int) Delta {
	if n <= 0 {
		return d
	}
	return d.push(Op{Kind: KindRetain, Count: n})
}

func (d Delta) Insert(text string) Delta {
	if text == "" {
		return d
	}
	return d.push(Op{Kind: KindInsert, Text: text})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	return d.push(Op{Kind: KindDelete, Count: n})
}

func (d Delta) push(op Op) Delta {
	idx := len(d)
	if idx > 0 {
		last := d[idx-1]
		if op.Kind == KindDelete && last.Kind == KindDelete {
			d[idx-1].Count += op.Count
			return d
		}
		// 同一位置 insert 和 delete 同时存在时，规范顺序是 insert 在前
		if last.Kind == KindDelete && op.Kind == KindInsert {
			idx--
			if idx == 0 {
				return append(Delta{op}, d...)
			}
			last = d[idx-1]
			if last.Kind == KindInsert {
				d[idx-1].Text += op.Text
				return d
			}
			d = append(d, Op{})
			copy(d[idx+1:], d[idx:])
			d[idx] = op
			return d
		}
		if last.Kind == op.Kind {
			switch op.Kind {
			case KindInsert:
				d[idx-1].Text += op.Text
				return d
			case KindRetain:
				d[idx-1].Count += op.Count
				return d
			}
		}
	}
	return append(d, op)
}

// Chop 去掉末尾多余的 retain
func (d Delta) Chop() Delta {
	if n := len(d); n > 0 && d[n-1].Kind == KindRetain {
		return d[:n-1]
	}
	return d
}

// Normalize 重新按 push 语义构造一份，去掉空 op 并合并
func (d Delta) Normalize() Delta {
	out := make(Delta, 0, len(d))
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			out = out.Retain(op.Count)
		case KindInsert:
			out = out.Insert(op.Text)
		case KindDelete:
			out = out.Delete(op.Count)
		}
	}
	return out.Chop()
}

// Validate 检查 op 种类与长度是否合法
func (d Delta) Validate() error {
	base := 0
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return fmt.Errorf("%w: op %d has non-positive count %d", ErrOutOfRange, i, op.Count)
			}
			if op.Count > math.MaxInt-base {
				return fmt.Errorf("%w: op %d overflows the base length", ErrOutOfRange, i)
			}
			base += op.Count
		case KindInsert:
			if op.Text == "" {
				return fmt.Errorf("%w: op %d inserts empty text", ErrOutOfRange, i)
			}
		default:
			return fmt.Errorf("%w: op %d has unknown kind %q", ErrOutOfRange, i, op.Kind)
		}
	}
	return nil
}

// BaseLength 是应用该 delta 所需的最小文档长度，溢出时饱和为 math.MaxInt
func (d Delta) BaseLength() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindInsert {
			continue
		}
		if op.Count < 0 || op.Count > math.MaxInt-n {
			return math.MaxInt
		}
		n += op.Count
	}
	return n
}

// Change 是应用后文档长度的变化量
func (d Delta) Change() int {
	n := 0
	for _, op := range d {
		switch op.Kind {
		case KindInsert:
			n += op.Len()
		case KindDelete:
			n -= op.Count
		}
	}
	return n
}

func (d Delta) IsNoop() bool {
	for _, op := range d {
		if op.Kind != KindRetain {
			return false
		}
	}
	return true
}

// Apply 把 delta 应用到字符串上，越界返回 ErrOutOfRange
func (d Delta) Apply(text string) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	src := []rune(text)
	if need := d.BaseLength(); need < 0 || need > len(src) {
		return "", fmt.Errorf("%w: delta needs %d runes, document has %d", ErrOutOfRange, need, len(src))
	}
	var b strings.Builder
	b.Grow(len(text) + d.Change())
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			b.WriteString(string(src[pos : pos+op.Count]))
			pos += op.Count
		case KindInsert:
			b.WriteString(op.Text)
		case KindDelete:
			pos += op.Count
		}
	}
	b.WriteString(string(src[pos:]))
	return b.String(), nil
}
