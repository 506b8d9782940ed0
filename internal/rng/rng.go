// Package rng derives reproducible random sub-streams from a single root seed.
//
// Every consumer (fold assignment, inner holdout splits, calibration split,
// optimizer) asks for its own named stream, so the numbers one consumer sees do
// not depend on how many draws another consumer made before it.
package rng

import (
	"hash/fnv"
	"math/rand/v2"
)

type Source struct {
	seed uint64
}

func New(seed int64) Source {
	return Source{seed: uint64(seed)}
}

func (s Source) Root() int64 {
	return int64(s.seed)
}

// Seed returns the derived seed for the (name, index) stream.
func (s Source) Seed(name string, index int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return splitmix64(s.seed ^ splitmix64(h.Sum64()+uint64(index)))
}

func (s Source) Stream(name string, index int) *rand.Rand {
	k := s.Seed(name, index)
	return rand.New(rand.NewPCG(k, splitmix64(k)))
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
