package region

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func kr(start, end string) KeyRange {
	return KeyRange{Start: start, End: end}
}

func TestNewNormalizes(t *testing.T) {
	tests := []struct {
		name  string
		input []KeyRange
		want  []KeyRange
	}{
		{"empty", nil, []KeyRange{}},
		{"drops empty ranges", []KeyRange{kr("b", "b")}, []KeyRange{}},
		{"sorts", []KeyRange{kr("m", "n"), kr("a", "c")}, []KeyRange{kr("a", "c"), kr("m", "n")}},
		{"merges overlap", []KeyRange{kr("a", "f"), kr("c", "k")}, []KeyRange{kr("a", "k")}},
		{"merges adjacent", []KeyRange{kr("a", "c"), kr("c", "e")}, []KeyRange{kr("a", "e")}},
		{"swallows contained", []KeyRange{kr("a", "z"), kr("c", "e")}, []KeyRange{kr("a", "z")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, New(tt.input...).Ranges())
		})
	}
}

func TestNewPanicsOnMalformedRange(t *testing.T) {
	require.Panics(t, func() { New(kr("z", "a")) })
	require.Panics(t, func() { Span("a", KeyMax+"x") })
}

func TestSetOperations(t *testing.T) {
	a := New(kr("a", "f"), kr("k", "p"))
	b := New(kr("d", "m"))

	require.True(t, Intersect(a, b).Equal(New(kr("d", "f"), kr("k", "m"))))
	require.True(t, Union(a, b).Equal(Span("a", "p")))
	require.True(t, Subtract(a, b).Equal(New(kr("a", "d"), kr("m", "p"))))
	require.True(t, Subtract(b, a).Equal(Span("f", "k")))
	require.True(t, IsSubset(Span("b", "c"), a))
	require.False(t, IsSubset(b, a))
	require.True(t, Overlaps(a, b))
	require.False(t, Overlaps(Span("f", "k"), a))
	require.True(t, Subtract(a, a).IsEmpty())
	require.True(t, IsSubset(Empty(), a))
	require.True(t, Universe().Contains(""))
	require.False(t, Universe().Contains(KeyMax))
}

func TestSubtractMultipleCuts(t *testing.T) {
	a := Span("a", "z")
	b := New(kr("b", "c"), kr("e", "f"), kr("y", KeyMax))
	require.True(t, Subtract(a, b).Equal(New(kr("a", "b"), kr("c", "e"), kr("f", "y"))))
}

// keysOf enumerates all single letter keys of a region over a small alphabet
func keysOf(r Region) map[string]bool {
	out := map[string]bool{}
	for c := 'a'; c <= 'z'; c++ {
		if r.Contains(string(c)) {
			out[string(c)] = true
		}
	}
	return out
}

func randomRegion(rng *rand.Rand) Region {
	var rs []KeyRange
	for i := 0; i < rng.Intn(4); i++ {
		s := 'a' + rune(rng.Intn(26))
		e := s + rune(rng.Intn(6))
		rs = append(rs, kr(string(s), string(e)))
	}
	return New(rs...)
}

func TestSetOperationsAgainstKeyEnumeration(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		a, b := randomRegion(rng), randomRegion(rng)
		ka, kb := keysOf(a), keysOf(b)

		inter, union, diff := map[string]bool{}, map[string]bool{}, map[string]bool{}
		for k := range ka {
			union[k] = true
			if kb[k] {
				inter[k] = true
			} else {
				diff[k] = true
			}
		}
		for k := range kb {
			union[k] = true
		}

		require.Equal(t, inter, keysOf(Intersect(a, b)), "intersect %s %s", a, b)
		require.Equal(t, union, keysOf(Union(a, b)), "union %s %s", a, b)
		require.Equal(t, diff, keysOf(Subtract(a, b)), "subtract %s %s", a, b)
		require.Equal(t, len(diff) == 0, IsSubset(a, b), "subset %s %s", a, b)
	}
}

func TestIntSpan(t *testing.T) {
	r := IntSpan(0, 100)
	require.True(t, r.Contains(IntKey(0)))
	require.True(t, r.Contains(IntKey(99)))
	require.False(t, r.Contains(IntKey(100)))
	require.True(t, IsSubset(IntSpan(10, 20), r))
}

func TestRegionJSON(t *testing.T) {
	r := New(kr("", "a"), kr("b\xff", KeyMax))
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var back Region
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, r.Equal(back), "got %s", back)
}

func TestRegionGob(t *testing.T) {
	r := New(kr("a", "b"), kr("x", "y"))
	data, err := r.GobEncode()
	require.NoError(t, err)

	var back Region
	require.NoError(t, back.GobDecode(data))
	require.True(t, r.Equal(back))

	require.Error(t, back.GobDecode(data[:len(data)-1]))
}
