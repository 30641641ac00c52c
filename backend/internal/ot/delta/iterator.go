package delta

import "math"

// Iterator 按长度切分遍历 delta；遍历完后视为无限 retain
type Iterator struct {
	ops    Delta
	index  int
	offset int
}

func NewIterator(d Delta) *Iterator {
	return &Iterator{ops: d}
}

func (it *Iterator) HasNext() bool {
	return it.PeekLength() < math.MaxInt
}

func (it *Iterator) PeekLength() int {
	if it.index < len(it.ops) {
		return it.ops[it.index].Len() - it.offset
	}
	return math.MaxInt
}

func (it *Iterator) PeekKind() Kind {
	if it.index < len(it.ops) {
		return it.ops[it.index].Kind
	}
	return KindRetain
}

// Next 取出当前 op 的前 n 个单位；n 超过剩余长度时取完整个 op
func (it *Iterator) Next(n int) Op {
	if it.index >= len(it.ops) {
		return Op{Kind: KindRetain, Count: math.MaxInt}
	}
	op := it.ops[it.index]
	offset := it.offset
	remain := op.Len() - offset
	if n >= remain {
		n = remain
		it.index++
		it.offset = 0
	} else {
		it.offset += n
	}
	if op.Kind == KindInsert {
		r := []rune(op.Text)
		return Op{Kind: KindInsert, Text: string(r[offset : offset+n])}
	}
	return Op{Kind: op.Kind, Count: n}
}

// NextAll 取出当前 op 剩余的全部
func (it *Iterator) NextAll() Op {
	return it.Next(math.MaxInt)
}
