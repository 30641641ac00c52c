package delta

import (
	"errors"
	"math"
	"testing"
)

func TestDelta_PushMergesAndOrdersInsertBeforeDelete(t *testing.T) {
	d := Delta{}.Retain(2).Retain(3).Delete(1).Insert("ab").Insert("c").Delete(2)
	want := Delta{
		{Kind: KindRetain, Count: 5},
		{Kind: KindInsert, Text: "abc"},
		{Kind: KindDelete, Count: 3},
	}
	if len(d) != len(want) {
		t.Fatalf("got %+v, want %+v", d, want)
	}
	for i := range want {
		if d[i] != want[i] {
			t.Fatalf("op %d = %+v, want %+v", i, d[i], want[i])
		}
	}
}

func TestDelta_ApplyAndLengths(t *testing.T) {
	d := Delta{}.Retain(5).Insert(" collaborative").Delete(0)
	got, err := d.Apply("Hello world")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got != "Hello collaborative world" {
		t.Fatalf("Apply() = %q", got)
	}
	if d.BaseLength() != 5 || d.Change() != 14 {
		t.Fatalf("BaseLength()=%d Change()=%d", d.BaseLength(), d.Change())
	}
}

func TestDelta_ApplyCountsRunes(t *testing.T) {
	d := Delta{}.Retain(2).Delete(1)
	got, err := d.Apply("你好吗")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got != "你好" {
		t.Fatalf("Apply() = %q", got)
	}
}

func TestDelta_ApplyOutOfRange(t *testing.T) {
	_, err := Delta{}.Retain(3).Delete(5).Apply("abc")
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestDelta_OverflowingBaseLength(t *testing.T) {
	raw := Delta{
		{Kind: KindRetain, Count: math.MaxInt},
		{Kind: KindDelete, Count: 2},
	}
	if err := raw.Validate(); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Validate() = %v, want ErrOutOfRange", err)
	}
	if got := raw.BaseLength(); got != math.MaxInt {
		t.Fatalf("BaseLength() = %d, want saturation at MaxInt", got)
	}
	if _, err := raw.Apply("hello"); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Apply() = %v, want ErrOutOfRange", err)
	}
	twice := Delta{{Kind: KindRetain, Count: math.MaxInt}, {Kind: KindRetain, Count: math.MaxInt}}
	if err := twice.Validate(); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Validate() = %v, want ErrOutOfRange", err)
	}
}

func TestDelta_NormalizeAndValidate(t *testing.T) {
	raw := Delta{
		{Kind: KindRetain, Count: 1},
		{Kind: KindRetain, Count: 1},
		{Kind: KindInsert, Text: "x"},
		{Kind: KindRetain, Count: 4},
	}
	n := raw.Normalize()
	if len(n) != 2 || n[0].Count != 2 || n[1].Text != "x" {
		t.Fatalf("Normalize() = %+v", n)
	}
	if err := (Delta{{Kind: KindDelete, Count: 0}}).Validate(); err == nil {
		t.Fatal("expected zero-count delete to be invalid")
	}
	if err := (Delta{{Kind: "bold"}}).Validate(); err == nil {
		t.Fatal("expected unknown kind to be invalid")
	}
}

func TestIterator_SplitsOps(t *testing.T) {
	it := NewIterator(Delta{}.Insert("héllo").Delete(3))
	if got := it.Next(2); got.Text != "hé" {
		t.Fatalf("Next(2) = %+v", got)
	}
	if it.PeekLength() != 3 || it.PeekKind() != KindInsert {
		t.Fatalf("peek = %d %s", it.PeekLength(), it.PeekKind())
	}
	if got := it.NextAll(); got.Text != "llo" {
		t.Fatalf("NextAll() = %+v", got)
	}
	if got := it.Next(1); got.Kind != KindDelete || got.Count != 1 {
		t.Fatalf("Next(1) = %+v", got)
	}
	it.NextAll()
	if it.HasNext() {
		t.Fatal("iterator should be exhausted")
	}
}
