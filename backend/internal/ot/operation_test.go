package ot

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot/delta"
)

func TestOperation_Validate(t *testing.T) {
	valid := []Operation{
		NewInsert("a", 0, 0, "x"),
		NewDelete("a", 0, 3, 1),
		NewReplace("a", 0, 1, 2, "yz"),
		FromDelta("a", 0, delta.Delta{}.Retain(1).Delete(1).Retain(1).Insert("q")),
	}
	for _, op := range valid {
		assert.NoError(t, op.Validate(), "%+v", op)
	}

	invalid := []Operation{
		NewInsert("a", 0, -1, "x"),
		NewInsert("a", 0, 0, ""),
		NewDelete("a", 0, 0, 0),
		NewReplace("a", 0, 0, 0, "x"),
		{Type: "move", Position: 1},
		{Type: TypeCompound},
		NewDelete("a", 0, math.MaxInt, 2),
		NewReplace("a", 0, 1, math.MaxInt, "x"),
		{Type: TypeCompound, Ops: delta.Delta{
			{Kind: delta.KindRetain, Count: math.MaxInt},
			{Kind: delta.KindRetain, Count: math.MaxInt},
			{Kind: delta.KindInsert, Text: "x"},
		}},
	}
	for _, op := range invalid {
		err := op.Validate()
		require.Error(t, err, "%+v", op)
		assert.True(t, errors.Is(err, ErrInvalidOperation))
	}
}

func TestOperation_NormalizeDescribesDelta(t *testing.T) {
	rep := NewReplace("a", 3, 2, 1, "xy").Normalize()
	assert.Equal(t, TypeReplace, rep.Type)
	assert.Equal(t, delta.Delta{
		{Kind: delta.KindRetain, Count: 2},
		{Kind: delta.KindInsert, Text: "xy"},
		{Kind: delta.KindDelete, Count: 1},
	}, rep.Ops)
	assert.Equal(t, uint64(3), rep.OriginRevision)

	ins := FromDelta("a", 0, delta.Delta{}.Retain(4).Insert("!"))
	assert.Equal(t, TypeInsert, ins.Type)
	assert.Equal(t, 4, ins.Position)
	assert.Equal(t, "!", ins.Content)

	comp := FromDelta("a", 0, delta.Delta{}.Retain(1).Delete(2).Retain(3).Insert("z"))
	assert.Equal(t, TypeCompound, comp.Type)
	assert.Equal(t, 1, comp.Position)
	assert.Equal(t, 5, comp.Length)
}

func TestApply(t *testing.T) {
	out, err := Apply("hello", NewReplace("a", 0, 0, 1, "J"))
	require.NoError(t, err)
	assert.Equal(t, "Jello", out)

	_, err = Apply("hi", NewDelete("a", 0, 1, 5))
	assert.True(t, errors.Is(err, delta.ErrOutOfRange))
}
