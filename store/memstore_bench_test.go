package store

import (
	"strconv"
	"testing"
)

func BenchmarkMemoryStorePut(b *testing.B) {
	s := NewMemoryStore(DefaultShardCount)
	val := make([]byte, 4096)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Put(strconv.Itoa(i%4096), val)
	}
}

func BenchmarkMemoryStoreGet(b *testing.B) {
	s := NewMemoryStore(DefaultShardCount)
	val := make([]byte, 4096)
	for i := 0; i < 4096; i++ {
		s.Put(strconv.Itoa(i), val)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Get(strconv.Itoa(i % 4096))
	}
}

func BenchmarkMemoryStoreParallelPut(b *testing.B) {
	s := NewMemoryStore(DefaultShardCount)
	val := make([]byte, 4096)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			s.Put(strconv.Itoa(i%4096), val)
			i++
		}
	})
}
