package ot

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot/delta"
)

// converge 两种顺序应用后必须得到同一文本
func converge(t *testing.T, doc string, a, b Operation) string {
	t.Helper()
	ab, err := Apply(doc, b)
	require.NoError(t, err)
	ab, err = Apply(ab, Transform(a, b))
	require.NoError(t, err)

	ba, err := Apply(doc, a)
	require.NoError(t, err)
	ba, err = Apply(ba, Transform(b, a))
	require.NoError(t, err)

	require.Equal(t, ab, ba, "diverged for a=%+v b=%+v on %q", a, b, doc)
	return ab
}

func TestTransform_InsertInsertSamePositionTieBreak(t *testing.T) {
	a := NewInsert("alice", 0, 2, "X")
	b := NewInsert("bob", 0, 2, "Y")

	// alice 字典序更小，排在前面
	assert.Equal(t, "abXYcd", converge(t, "abcd", a, b))

	aPrime := Transform(a, b)
	assert.Equal(t, TypeInsert, aPrime.Type)
	assert.Equal(t, 2, aPrime.Position)

	bPrime := Transform(b, a)
	assert.Equal(t, 3, bPrime.Position, "losing insert shifts right by the winner's length")
}

func TestTransform_InsertInsertDifferentPositions(t *testing.T) {
	a := NewInsert("zed", 0, 5, "!")
	b := NewInsert("amy", 0, 0, ">> ")
	assert.Equal(t, ">> hello!", converge(t, "hello", a, b))
	assert.Equal(t, 8, Transform(a, b).Position)
	assert.Equal(t, 0, Transform(b, a).Position)
}

func TestTransform_InsertAfterDeleteShiftsLeft(t *testing.T) {
	ins := NewInsert("a", 0, 6, "Z")
	del := NewDelete("b", 0, 1, 3)
	got := Transform(ins, del)
	assert.Equal(t, 3, got.Position)
	assert.Equal(t, "aefZ", converge(t, "abcdef", ins, del))
}

func TestTransform_InsertAtDeleteEndShiftsLeft(t *testing.T) {
	ins := NewInsert("a", 0, 4, "Z")
	del := NewDelete("b", 0, 1, 3)
	assert.Equal(t, 1, Transform(ins, del).Position)
}

func TestTransform_InsertInsideDeleteClampsToStart(t *testing.T) {
	ins := NewInsert("a", 0, 3, "Z")
	del := NewDelete("b", 0, 1, 4)
	got := Transform(ins, del)
	assert.Equal(t, TypeInsert, got.Type)
	assert.Equal(t, 1, got.Position)
	// 插入的文本保留下来，被删除区间拆开
	assert.Equal(t, "aZf", converge(t, "abcdef", ins, del))

	delPrime := Transform(del, ins)
	assert.Equal(t, TypeCompound, delPrime.Type)
}

func TestTransform_DeleteDeleteOverlap(t *testing.T) {
	a := NewDelete("a", 0, 1, 3) // bcd
	b := NewDelete("b", 0, 2, 3) // cde
	got := Transform(a, b)
	assert.Equal(t, TypeDelete, got.Type)
	assert.Equal(t, 1, got.Position)
	assert.Equal(t, 1, got.Length)
	assert.Equal(t, "af", converge(t, "abcdef", a, b))
}

func TestTransform_DeleteOfDeletedContentIsNoop(t *testing.T) {
	a := NewDelete("a", 0, 2, 2)
	b := NewDelete("b", 0, 1, 4)
	got := Transform(a, b)
	assert.True(t, got.IsNoop())
	assert.Equal(t, "af", converge(t, "abcdef", a, b))
}

func TestTransform_ReplaceAgainstInsertAtSameStart(t *testing.T) {
	a := NewReplace("alice", 0, 1, 1, "X")
	b := NewInsert("bob", 0, 1, "Y")
	assert.Equal(t, "aXYc", converge(t, "abc", a, b))
}

func TestTransform_ReplaceAgainstReplace(t *testing.T) {
	a := NewReplace("alice", 0, 1, 1, "X")
	b := NewReplace("bob", 0, 1, 1, "Y")
	assert.Equal(t, "aXYc", converge(t, "abc", a, b))

	bPrime := Transform(b, a)
	assert.Equal(t, TypeInsert, bPrime.Type, "the shared deletion is absorbed")
	assert.Equal(t, 2, bPrime.Position)
}

func TestTransform_KeepsAuthorAndOrigin(t *testing.T) {
	a := NewInsert("alice", 7, 0, "x")
	b := NewInsert("bob", 7, 0, "y")
	got := Transform(a, b)
	assert.Equal(t, "alice", got.Author)
	assert.Equal(t, uint64(7), got.OriginRevision)
	assert.NotEmpty(t, got.Ops)
}

func TestTransformChain(t *testing.T) {
	doc := "hello"
	c1 := NewInsert("b", 0, 0, "> ")
	c2 := NewDelete("c", 1, 2, 2) // 基于 "> hello" 删 "he"
	late := NewInsert("a", 0, 5, "!")

	text, err := Apply(doc, c1)
	require.NoError(t, err)
	text, err = Apply(text, c2)
	require.NoError(t, err)

	got := TransformChain(late, []Operation{c1, c2})
	text, err = Apply(text, got)
	require.NoError(t, err)
	assert.Equal(t, "> llo!", text)
}

func TestTransformIndex(t *testing.T) {
	d := delta.Delta{}.Retain(2).Insert("xx").Retain(2).Delete(3)
	cases := []struct {
		in, want int
	}{
		{0, 0},
		{2, 4}, // 插入点上的光标推到插入文本之后
		{3, 5},
		{4, 6},
		{5, 6}, // 落在删除区间内，收缩到起点
		{9, 8},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("index_%d", tc.in), func(t *testing.T) {
			assert.Equal(t, tc.want, TransformIndex(tc.in, d))
		})
	}
}

func randomOperation(r *rand.Rand, author string, docLen int) Operation {
	pos := r.Intn(docLen + 1)
	text := string(rune('a' + r.Intn(26)))
	if r.Intn(2) == 0 {
		text += "é"
	}
	switch kind := r.Intn(4); {
	case kind == 0 || docLen == pos:
		return NewInsert(author, 0, pos, text)
	case kind == 1:
		return NewDelete(author, 0, pos, 1+r.Intn(docLen-pos))
	case kind == 2:
		return NewReplace(author, 0, pos, 1+r.Intn(docLen-pos), text)
	default:
		// 多段编辑
		d := delta.Delta{}.Retain(pos).Delete(1)
		if rest := docLen - pos - 1; rest > 1 {
			d = d.Retain(rest / 2).Insert(text)
		}
		return FromDelta(author, 0, d)
	}
}

func TestTransform_RandomizedConvergence(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		doc := []rune("the quick brown fox")[:1+r.Intn(19)]
		a := randomOperation(r, "alice", len(doc))
		b := randomOperation(r, "bob", len(doc))
		converge(t, string(doc), a, b)
	}
}
