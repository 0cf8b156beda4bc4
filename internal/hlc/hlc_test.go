package hlc

import (
	"sort"
	"testing"

	"github.com/google/uuid"
)

var (
	nodeA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	nodeB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func TestCompareOrder(t *testing.T) {
	cases := []struct {
		name string
		a, b Timestamp
		want int
	}{
		{name: "wall dominates", a: Timestamp{WallMS: 99, Counter: 50, NodeID: nodeB}, b: Timestamp{WallMS: 100, NodeID: nodeA}, want: -1},
		{name: "counter breaks wall tie", a: Timestamp{WallMS: 100, Counter: 2, NodeID: nodeA}, b: Timestamp{WallMS: 100, Counter: 1, NodeID: nodeB}, want: 1},
		{name: "node breaks full tie", a: Timestamp{WallMS: 100, Counter: 1, NodeID: nodeA}, b: Timestamp{WallMS: 100, Counter: 1, NodeID: nodeB}, want: -1},
		{name: "identical", a: Timestamp{WallMS: 100, Counter: 1, NodeID: nodeA}, b: Timestamp{WallMS: 100, Counter: 1, NodeID: nodeA}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.want {
				t.Fatalf("Compare: got %d want %d", got, tc.want)
			}
			if got := tc.b.Compare(tc.a); got != -tc.want {
				t.Fatalf("Compare reversed: got %d want %d", got, -tc.want)
			}
		})
	}
}

func TestStringOrderMatchesCompare(t *testing.T) {
	ts := []Timestamp{
		{WallMS: 1_700_000_000_123, Counter: 0, NodeID: nodeB},
		{WallMS: 5, Counter: 9999, NodeID: nodeA},
		{WallMS: 1_700_000_000_123, Counter: 1, NodeID: nodeA},
		{WallMS: 5, Counter: 9999, NodeID: nodeB},
		Zero(nodeA),
	}
	bySemantic := append([]Timestamp(nil), ts...)
	sort.Slice(bySemantic, func(i, j int) bool { return bySemantic[i].Before(bySemantic[j]) })
	byString := append([]Timestamp(nil), ts...)
	sort.Slice(byString, func(i, j int) bool { return byString[i].String() < byString[j].String() })
	for i := range bySemantic {
		if !bySemantic[i].Equal(byString[i]) {
			t.Fatalf("order diverges at %d: %s vs %s", i, bySemantic[i], byString[i])
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, orig := range []Timestamp{
		{WallMS: 1_700_000_000_123, Counter: 42, NodeID: nodeA},
		{WallMS: 1, Counter: ^uint32(0), NodeID: nodeB},
	} {
		got, err := Parse(orig.String())
		if err != nil {
			t.Fatalf("Parse(%s): %v", orig, err)
		}
		if !got.Equal(orig) {
			t.Fatalf("round trip mismatch: %s vs %s", got, orig)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "123", "abc-0-" + nodeA.String(), "1-x-" + nodeA.String(), "1-2-not-a-uuid-at-all!"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q): expected error", s)
		}
	}
}

func TestMax(t *testing.T) {
	a := Timestamp{WallMS: 10, NodeID: nodeA}
	b := Timestamp{WallMS: 11, NodeID: nodeB}
	if got := Max(a, b); !got.Equal(b) {
		t.Fatalf("Max: got %s want %s", got, b)
	}
	if got := Max(b, a); !got.Equal(b) {
		t.Fatalf("Max reversed: got %s want %s", got, b)
	}
}
