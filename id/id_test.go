package id

import "testing"

func TestGeneratorMintsUnique(t *testing.T) {
	g := NewGenerator(3)
	seen := make(map[Id]bool)
	for i := 0; i < 100; i++ {
		next := g.Next()
		if next.Origin != 3 {
			t.Fatalf("expected origin 3, got %d", next.Origin)
		}
		if next.IsNil() {
			t.Fatalf("minted id should never be nil")
		}
		if seen[next] {
			t.Fatalf("duplicate id minted: %v", next)
		}
		seen[next] = true
	}
}

func TestIdEqualityIsStructural(t *testing.T) {
	a := Id{Origin: 1, Counter: 2}
	b := Id{Origin: 1, Counter: 2}
	if a != b {
		t.Fatalf("expected structural equality, got %v != %v", a, b)
	}
	if a.String() != "(1,2)" {
		t.Fatalf("unexpected String(): %s", a.String())
	}
}

func TestHashStableAndDistinguishing(t *testing.T) {
	a := Id{Origin: 1, Counter: 2}
	b := Id{Origin: 1, Counter: 2}
	c := Id{Origin: 1, Counter: 3}
	if a.Hash() != b.Hash() {
		t.Fatalf("equal ids must hash equal")
	}
	if a.Hash() == c.Hash() {
		t.Fatalf("different ids should not usually collide in this test")
	}
}

func TestNilSentinel(t *testing.T) {
	if !Nil.IsNil() {
		t.Fatalf("zero value Id should be nil")
	}
	g := NewGenerator(0)
	if g.Next().IsNil() {
		t.Fatalf("generator output should never equal Nil")
	}
}
