package ot

import (
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot/delta"
)

// Transform 返回 a'，使得先应用 b 再应用 a' 与先应用 a 再应用 Transform(b, a) 结果一致。
// a 和 b 必须基于同一个版本。
//
// 同一位置的两个插入按作者 id 字典序决胜：较小的在前，另一个右移。
// 作者相同时 a 排在 b 之后（服务端上 b 总是先提交的那个）。
func Transform(a, b Operation) Operation {
	bFirst := b.Author <= a.Author
	d := transformDelta(b.Delta(), a.Delta(), bFirst)
	return a.withDelta(d)
}

// transformDelta 把 other 变换到 applied 之后。
// appliedFirst 为 true 时，同位置插入 applied 的排在前面。
func transformDelta(applied, other delta.Delta, appliedFirst bool) delta.Delta {
	thisIter := delta.NewIterator(applied)
	otherIter := delta.NewIterator(other)
	out := delta.Delta{}

	for thisIter.HasNext() || otherIter.HasNext() {
		if thisIter.PeekKind() == delta.KindInsert && (appliedFirst || otherIter.PeekKind() != delta.KindInsert) {
			// 已应用的插入：other 需要跳过这段新文本
			out = out.Retain(thisIter.NextAll().Len())
			continue
		}
		if otherIter.PeekKind() == delta.KindInsert {
			out = out.Insert(otherIter.NextAll().Text)
			continue
		}

		n := min(thisIter.PeekLength(), otherIter.PeekLength())
		thisOp := thisIter.Next(n)
		otherOp := otherIter.Next(n)
		switch {
		case thisOp.Kind == delta.KindDelete:
			// 这段已经被删掉：other 的 delete 变成 no-op，retain 也随之消失
			continue
		case otherOp.Kind == delta.KindDelete:
			out = out.Delete(n)
		default:
			out = out.Retain(n)
		}
	}
	return out.Chop()
}

// TransformIndex 把一个光标位置推过 d。正好落在插入点上的光标右移到插入文本之后。
func TransformIndex(index int, d delta.Delta) int {
	it := delta.NewIterator(d)
	offset := 0
	for it.HasNext() && offset <= index {
		length := it.PeekLength()
		kind := it.PeekKind()
		it.NextAll()
		switch kind {
		case delta.KindDelete:
			index -= min(length, index-offset)
			continue
		case delta.KindInsert:
			index += length
		}
		offset += length
	}
	return index
}

// TransformChain 把 op 依次推过一串已提交的操作（按提交顺序）
func TransformChain(op Operation, committed []Operation) Operation {
	for _, c := range committed {
		op = Transform(op, c)
	}
	return op
}
