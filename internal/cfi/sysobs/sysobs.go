// Package sysobs tracks which blocks issue which system calls.
//
// Each system call number n has a synthetic graph node at
// module.SyscallNodeBase+n. The first time a block issues n, the observer
// records a syscall edge from the block to that node and appends a
// fingerprint of the pair to the hash stream. The fingerprint folds the
// syscall number into the block's content hash alone, because the block's
// predecessor at a syscall is not observable.
package sysobs

import (
	"github.com/kolkov/cfiwatch/internal/cfi/module"
)

// Execve is the Linux x86-64 execve(2) number. The image is replaced by a
// successful execve, so buffered output is flushed before it.
const Execve = 59

// Fold combines a block hash with a syscall number.
func Fold(hash, number uint64) uint64 {
	return hash ^ (hash << 5) ^ number
}

// NodeAddress returns the synthetic node address of syscall number n.
func NodeAddress(number uint64) uint64 {
	return module.SyscallNodeBase + number
}

// IsNode reports whether addr lies in the syscall node space.
func IsNode(addr uint64) bool {
	return addr >= module.SyscallNodeBase
}

type pair struct {
	block  uint64
	number uint64
}

// Observer remembers the (block, syscall) pairs already recorded.
//
// Thread Safety: NOT safe for concurrent use; called under the observer lock.
type Observer struct {
	seen    map[pair]struct{}
	numbers map[uint64]int
}

// New creates an empty syscall observer.
func New() *Observer {
	return &Observer{
		seen:    make(map[pair]struct{}),
		numbers: make(map[uint64]int),
	}
}

// Observe records that block issued syscall number and reports whether this
// is the first observation of the pair.
func (o *Observer) Observe(block, number uint64) bool {
	p := pair{block: block, number: number}
	if _, ok := o.seen[p]; ok {
		return false
	}
	o.seen[p] = struct{}{}
	o.numbers[number]++
	return true
}

// Pairs returns the number of distinct (block, syscall) pairs.
func (o *Observer) Pairs() int {
	return len(o.seen)
}

// Callers returns how many distinct blocks issued syscall number.
func (o *Observer) Callers(number uint64) int {
	return o.numbers[number]
}
