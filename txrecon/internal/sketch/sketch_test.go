package sketch

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldArithmetic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		a := rng.Uint32()
		b := rng.Uint32()
		c := rng.Uint32()
		require.Equal(t, gfMul(a, b), gfMul(b, a))
		require.Equal(t, gfMul(gfMul(a, b), c), gfMul(a, gfMul(b, c)))
		// distributivity over xor
		require.Equal(t, gfMul(a, b^c), gfMul(a, b)^gfMul(a, c))
	}
	for i := 0; i < 100; i++ {
		a := rng.Uint32()
		if a == 0 {
			continue
		}
		require.Equal(t, uint32(1), gfMul(a, gfInv(a)))
	}
	require.Equal(t, uint32(0), gfMul(0, 12345))
	require.Equal(t, uint32(7), gfMul(7, 1))
}

func randomSet(rng *rand.Rand, n int) map[uint32]struct{} {
	set := make(map[uint32]struct{}, n)
	for len(set) < n {
		v := rng.Uint32()
		if v == 0 {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func TestDecodeExact(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, tc := range []struct {
		capacity int
		elems    int
	}{
		{1, 0},
		{1, 1},
		{2, 2},
		{8, 3},
		{8, 8},
		{20, 20},
		{64, 50},
	} {
		s := New(tc.capacity)
		want := randomSet(rng, tc.elems)
		for v := range want {
			s.Add(v)
		}
		got, ok := s.Decode()
		require.True(t, ok, "capacity %d elems %d", tc.capacity, tc.elems)
		require.Len(t, got, len(want))
		for _, v := range got {
			require.Contains(t, want, v)
		}
	}
}

func TestDecodeSymmetricDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	a := New(16)
	b := New(16)
	shared := randomSet(rng, 100)
	onlyA := randomSet(rng, 7)
	onlyB := randomSet(rng, 9)
	for v := range shared {
		a.Add(v)
		b.Add(v)
	}
	for v := range onlyA {
		a.Add(v)
	}
	for v := range onlyB {
		b.Add(v)
	}
	require.NoError(t, a.Merge(b))
	diff, ok := a.Decode()
	require.True(t, ok)
	require.Len(t, diff, len(onlyA)+len(onlyB))
	for _, v := range diff {
		_, inA := onlyA[v]
		_, inB := onlyB[v]
		require.True(t, inA || inB, "0x%08x is not part of the difference", v)
	}
}

func TestSelfMergeIsEmpty(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	s := New(4)
	for v := range randomSet(rng, 30) {
		s.Add(v)
	}
	clone := s.Clone()
	require.NoError(t, s.Merge(clone))
	diff, ok := s.Decode()
	require.True(t, ok)
	require.Empty(t, diff)
}

func TestDecodeOverCapacityFails(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	// one element beyond capacity is always detected: the guard syndrome
	// pins the minimal recurrence above the decodable degree
	for _, capacity := range []int{1, 2, 5, 16} {
		s := New(capacity)
		for v := range randomSet(rng, capacity+1) {
			s.Add(v)
		}
		_, ok := s.Decode()
		require.False(t, ok, "capacity %d", capacity)
	}
	// far beyond capacity
	s := New(4)
	for v := range randomSet(rng, 100) {
		s.Add(v)
	}
	_, ok := s.Decode()
	require.False(t, ok)
}

func TestAddTwiceRemoves(t *testing.T) {
	s := New(2)
	s.Add(7)
	s.Add(9)
	s.Add(7)
	diff, ok := s.Decode()
	require.True(t, ok)
	require.Equal(t, []uint32{9}, diff)
}

func TestSerialization(t *testing.T) {
	s := New(3)
	s.Add(1)
	s.Add(2)
	s.Add(3)
	data := s.Bytes()
	require.Len(t, data, 4*(3+1))
	restored, err := FromBytes(data)
	require.NoError(t, err)
	require.Equal(t, 3, restored.Capacity())
	diff, ok := restored.Decode()
	require.True(t, ok)
	require.Equal(t, []uint32{1, 2, 3}, diff)

	_, err = FromBytes([]byte{1, 2, 3})
	require.Error(t, err)
	_, err = FromBytes(make([]byte, 4))
	require.Error(t, err)
}

func TestMergeCapacityMismatch(t *testing.T) {
	require.Error(t, New(2).Merge(New(3)))
}

func TestConcreteScenario(t *testing.T) {
	// local {1,2,3} vs remote {2,3,4}: with capacity 2 the merged sketch
	// decodes exactly {1,4}, with capacity 1 it must fail
	build := func(capacity int, elems ...uint32) *Sketch {
		s := New(capacity)
		for _, v := range elems {
			s.Add(v)
		}
		return s
	}
	local := build(2, 1, 2, 3)
	remote := build(2, 2, 3, 4)
	require.NoError(t, local.Merge(remote))
	diff, ok := local.Decode()
	require.True(t, ok)
	require.Equal(t, []uint32{1, 4}, diff)

	local = build(1, 1, 2, 3)
	remote = build(1, 2, 3, 4)
	require.NoError(t, local.Merge(remote))
	_, ok = local.Decode()
	require.False(t, ok)
}
