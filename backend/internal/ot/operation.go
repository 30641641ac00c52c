package ot

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot/delta"
)

type Type string

const (
	TypeInsert  Type = "insert"
	TypeDelete  Type = "delete"
	TypeReplace Type = "replace"
	// TypeCompound 描述不能用单个 insert/delete/replace 表达的编辑，Ops 为准
	TypeCompound Type = "compound"
)

var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Operation 一次编辑。创建后不可修改，变换得到的是新值。
// Position / Length 按 rune 计。
type Operation struct {
	Type           Type        `json:"type"`
	OriginRevision uint64      `json:"originRevision"`
	Position       int         `json:"position"`
	Length         int         `json:"length,omitempty"`
	Content        string      `json:"content,omitempty"`
	Author         string      `json:"author,omitempty"`
	Ops            delta.Delta `json:"ops,omitempty"`
}

func NewInsert(author string, origin uint64, pos int, text string) Operation {
	return Operation{Type: TypeInsert, OriginRevision: origin, Position: pos, Content: text, Author: author}
}

func NewDelete(author string, origin uint64, pos, length int) Operation {
	return Operation{Type: TypeDelete, OriginRevision: origin, Position: pos, Length: length, Author: author}
}

func NewReplace(author string, origin uint64, pos, length int, text string) Operation {
	return Operation{Type: TypeReplace, OriginRevision: origin, Position: pos, Length: length, Content: text, Author: author}
}

// FromDelta 用任意 delta 构造操作（客户端直接提交 ops 时使用）
func FromDelta(author string, origin uint64, d delta.Delta) Operation {
	op := Operation{OriginRevision: origin, Author: author}
	return op.withDelta(d.Clone().Normalize())
}

// Validate 只检查形状，不检查与文档长度的关系
func (o Operation) Validate() error {
	if o.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, o.Position)
	}
	switch o.Type {
	case TypeInsert:
		if o.Content == "" {
			return fmt.Errorf("%w: insert without content", ErrInvalidOperation)
		}
	case TypeDelete:
		if o.Length <= 0 {
			return fmt.Errorf("%w: delete length must be positive, got %d", ErrInvalidOperation, o.Length)
		}
		return o.validateRange()
	case TypeReplace:
		if o.Length <= 0 {
			return fmt.Errorf("%w: replace length must be positive, got %d", ErrInvalidOperation, o.Length)
		}
		if o.Content == "" {
			return fmt.Errorf("%w: replace without content", ErrInvalidOperation)
		}
		return o.validateRange()
	case TypeCompound:
		if len(o.Ops) == 0 {
			return fmt.Errorf("%w: compound operation without ops", ErrInvalidOperation)
		}
		if err := o.Ops.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, o.Type)
	}
	return nil
}

// Position+Length 不能越过 int 上限
func (o Operation) validateRange() error {
	if o.Length > math.MaxInt-o.Position {
		return fmt.Errorf("%w: range %d+%d overflows", ErrInvalidOperation, o.Position, o.Length)
	}
	return nil
}

// Delta 返回规范形式。compound 以 Ops 为准，其余类型由字段推出
func (o Operation) Delta() delta.Delta {
	if o.Type == TypeCompound || (o.Ops != nil && o.Type == "") {
		return o.Ops.Clone()
	}
	d := delta.Delta{}.Retain(o.Position)
	switch o.Type {
	case TypeInsert:
		d = d.Insert(o.Content)
	case TypeDelete:
		d = d.Delete(o.Length)
	case TypeReplace:
		d = d.Insert(o.Content).Delete(o.Length)
	}
	return d.Chop()
}

// Normalize 补全 Ops，接受后的操作总是带 Ops
func (o Operation) Normalize() Operation {
	return o.withDelta(o.Delta())
}

// BaseLength 应用该操作所需的最小文档长度
func (o Operation) BaseLength() int {
	return o.Delta().BaseLength()
}

func (o Operation) IsNoop() bool {
	return o.Delta().IsNoop()
}

// withDelta 以 d 为准重新推导摘要字段
func (o Operation) withDelta(d delta.Delta) Operation {
	out := Operation{OriginRevision: o.OriginRevision, Author: o.Author, Ops: d}
	if d.IsNoop() {
		out.Type = o.Type
		if out.Type == "" {
			out.Type = TypeCompound
		}
		out.Ops = delta.Delta{}
		return out
	}

	i := 0
	if d[0].Kind == delta.KindRetain {
		out.Position = d[0].Count
		i = 1
	}
	inserted, deleted := "", 0
	for ; i < len(d); i++ {
		switch d[i].Kind {
		case delta.KindInsert:
			if deleted > 0 {
				return compound(out)
			}
			inserted += d[i].Text
		case delta.KindDelete:
			deleted += d[i].Count
		default:
			return compound(out)
		}
	}
	switch {
	case inserted != "" && deleted > 0:
		out.Type, out.Length, out.Content = TypeReplace, deleted, inserted
	case inserted != "":
		out.Type, out.Content = TypeInsert, inserted
	default:
		out.Type, out.Length = TypeDelete, deleted
	}
	return out
}

func compound(o Operation) Operation {
	o.Type = TypeCompound
	o.Length = o.Ops.BaseLength() - o.Position
	o.Content = ""
	return o
}

// Apply 把操作应用到字符串上
func Apply(text string, o Operation) (string, error) {
	return o.Delta().Apply(text)
}

// ContentLength 插入内容的 rune 数
func (o Operation) ContentLength() int {
	return utf8.RuneCountInString(o.Content)
}
