package collab

import (
	"errors"
	"math"
	"testing"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},               // 跳过 "Hello"
		{Kind: delta.KindInsert, Text: " collaborative"}, // 在 pos=5 插入
	}

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	// "Hello collaborative world"
	//  01234 5            18 ...
	//  保留 "Hello"，然后删 " collaborative"
	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},  // "Hello"
		{Kind: delta.KindDelete, Count: 14}, // " collaborative" 长度
	}

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_InsertKeepsEarlierPieces(t *testing.T) {
	pt := NewPieceTable("abcdef")

	steps := []delta.Delta{
		delta.Delta{}.Retain(2).Insert("X"), // abXcdef
		delta.Delta{}.Retain(5).Insert("Y"), // abXcdYef
		delta.Delta{}.Retain(1).Insert("Z"), // aZbXcdYef
	}
	for _, d := range steps {
		if err := pt.Apply(d); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}

	want := "aZbXcdYef"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if pt.Len() != 9 {
		t.Fatalf("Len() = %d, want 9", pt.Len())
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if err := pt.Apply(delta.Delta{}.Retain(5).Insert(",")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	// "Hello, world" 删掉 "lo, w"
	if err := pt.Apply(delta.Delta{}.Retain(3).Delete(5)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "Helorld" {
		t.Fatalf("String() = %q, want %q", got, "Helorld")
	}
}

func TestPieceTable_Runes(t *testing.T) {
	pt := NewPieceTable("héllo")
	if err := pt.Apply(delta.Delta{}.Retain(2).Delete(1).Insert("✓")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "hé✓lo" {
		t.Fatalf("String() = %q, want %q", got, "hé✓lo")
	}
	if pt.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", pt.Len())
	}
}

func TestPieceTable_OutOfRangeLeavesBufferUntouched(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.Delta{}.Retain(2).Delete(5))
	if !errors.Is(err, delta.ErrOutOfRange) {
		t.Fatalf("Apply() error = %v, want ErrOutOfRange", err)
	}
	if got := pt.String(); got != "abc" {
		t.Fatalf("String() = %q, want unchanged", got)
	}

	err = pt.Apply(delta.Delta{{Kind: delta.KindRetain, Count: math.MaxInt}, {Kind: delta.KindDelete, Count: 2}})
	if !errors.Is(err, delta.ErrOutOfRange) {
		t.Fatalf("Apply() error = %v, want ErrOutOfRange", err)
	}
	if pt.Len() != 3 || pt.String() != "abc" {
		t.Fatalf("Len()=%d String()=%q, want unchanged", pt.Len(), pt.String())
	}
}

func TestPieceTable_EmptyAndCompact(t *testing.T) {
	pt := NewPieceTable("")
	if err := pt.Apply(delta.Delta{}.Insert("hi")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := pt.Apply(delta.Delta{}.Retain(2).Insert("!")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if pt.Pieces() != 2 {
		t.Fatalf("Pieces() = %d, want 2", pt.Pieces())
	}
	pt.Compact()
	if pt.Pieces() != 1 || pt.String() != "hi!" || pt.Len() != 3 {
		t.Fatalf("after Compact: pieces=%d text=%q len=%d", pt.Pieces(), pt.String(), pt.Len())
	}
}
