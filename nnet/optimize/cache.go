// Copyright 2026 The kaldi-go Authors
// This file is part of the kaldi-go library.
//
// The kaldi-go library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The kaldi-go library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the kaldi-go library. If not, see <http://www.gnu.org/licenses/>.

package optimize

import (
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/sha3"

	"github.com/M4niex13/kaldi/nnet"
	"github.com/M4niex13/kaldi/nnet/computation"
)

// Cache memoizes optimized computations. Compilers tend to hand the
// optimizer the same unrolled computation over and over (one per
// minibatch shape), so hits are the common case. Keys are hashes of
// the serialized input computation; cached results are cloned on the
// way out, so callers may mutate what they get back.
type Cache struct {
	cfg     *Config
	entries *lru.Cache // [32]byte -> *computation.Computation
}

// NewCache returns a cache holding up to capacity optimized
// computations, evicting the least recently used.
func NewCache(cfg *Config, capacity int) (*Cache, error) {
	entries, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{cfg: cfg, entries: entries}, nil
}

// Optimize optimizes comp in place, like the package-level Optimize,
// but reuses a previously computed result when the same computation
// has been seen before.
func (ca *Cache) Optimize(model nnet.Model, comp *computation.Computation) error {
	key, err := cacheKey(comp)
	if err != nil {
		return err
	}
	if cached, ok := ca.entries.Get(key); ok {
		log.Debug("reusing cached optimized computation")
		*comp = *cached.(*computation.Computation).Clone()
		return nil
	}
	if err := Optimize(ca.cfg, model, comp); err != nil {
		return err
	}
	ca.entries.Add(key, comp.Clone())
	return nil
}

// Len returns the number of cached computations.
func (ca *Cache) Len() int {
	return ca.entries.Len()
}

func cacheKey(comp *computation.Computation) ([32]byte, error) {
	data, err := comp.EncodeToBytes()
	if err != nil {
		return [32]byte{}, err
	}
	return sha3.Sum256(data), nil
}
