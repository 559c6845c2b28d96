// Package replay drives an observer from a recorded event trace.
//
// A trace lists the modules of the monitored process, the trampolines the
// loader set up and, per thread, the engine callbacks in the order the
// thread issued them. Threads replay concurrently, so only the per-thread
// order of events is preserved.
package replay

import (
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v3"
)

// Addr is an address written in a trace as a number or a "0x" string.
type Addr uint64

// UnmarshalYAML accepts decimal, hex, octal and binary literals, quoted or not.
func (a *Addr) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(str, "_", ""), 0, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid address %q", str)
	}
	*a = Addr(v)
	return nil
}

// Module is one mapped code range.
type Module struct {
	Name  string `yaml:"name"`
	Start Addr   `yaml:"start"`
	End   Addr   `yaml:"end"`
	Type  string `yaml:"type,omitempty"`
}

// Trampoline is a stub known up front. Either Addr (and optionally Slot) or
// Code with its load Base is given; Code is scanned for PLT stubs.
type Trampoline struct {
	Addr Addr   `yaml:"addr,omitempty"`
	Slot Addr   `yaml:"slot,omitempty"`
	Base Addr   `yaml:"base,omitempty"`
	Code string `yaml:"code,omitempty"`
}

// Bytes decodes Code, ignoring whitespace.
func (t Trampoline) Bytes() ([]byte, error) {
	code := strings.Join(strings.Fields(t.Code), "")
	b, err := hex.DecodeString(code)
	if err != nil {
		return nil, errors.Wrap(err, "invalid trampoline code")
	}
	return b, nil
}

// Event ops.
const (
	OpBlock       = "block"
	OpBegin       = "begin"
	OpInvalidate  = "invalidate"
	OpJump        = "jump"
	OpFallthrough = "fallthrough"
	OpCall        = "call"
	OpIJump       = "ijump"
	OpICall       = "icall"
	OpRet         = "ret"
	OpSyscall     = "syscall"
	OpResolve     = "resolve"
	OpSentinel    = "sentinel"
	OpSigreturn   = "sigreturn"
)

// Event is one engine callback.
//
//	block:       addr, hash            the block at addr is live
//	begin:       addr                  the thread starts compiling addr
//	invalidate:  addr                  the engine flushed addr
//	jump, fallthrough, ijump:  from, to, exit
//	call, icall: from, to, exit, sp, ret
//	ret:         from, to, sp
//	syscall:     addr, number
//	resolve:     addr, entry           a trampoline slot was bound
//	sentinel:                          a signal handler starts on this thread
//	sigreturn:                         the signal handler returned
type Event struct {
	Op     string `yaml:"op"`
	Addr   Addr   `yaml:"addr,omitempty"`
	Hash   Addr   `yaml:"hash,omitempty"`
	From   Addr   `yaml:"from,omitempty"`
	To     Addr   `yaml:"to,omitempty"`
	Exit   uint8  `yaml:"exit,omitempty"`
	SP     Addr   `yaml:"sp,omitempty"`
	Ret    Addr   `yaml:"ret,omitempty"`
	Number uint64 `yaml:"number,omitempty"`
	Entry  Addr   `yaml:"entry,omitempty"`
}

// Thread is the event sequence of one thread.
type Thread struct {
	ID     uint32  `yaml:"id"`
	Events []Event `yaml:"events"`
}

// Trace is a whole recorded run.
type Trace struct {
	Name        string       `yaml:"name,omitempty"`
	Modules     []Module     `yaml:"modules"`
	Trampolines []Trampoline `yaml:"trampolines,omitempty"`
	Threads     []Thread     `yaml:"threads"`
}

// Load reads a trace file.
func Load(file string) (*Trace, error) {
	f, err := os.Open(file) // #nosec
	if err != nil {
		return nil, err
	}
	defer f.Close()
	log.WithField("file", file).Debug("loading trace")
	return LoadReader(f)
}

// LoadReader reads a trace from r and validates it.
func LoadReader(r io.Reader) (*Trace, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var tr Trace
	if err := yaml.Unmarshal(data, &tr); err != nil {
		return nil, errors.Wrap(err, "failed to parse trace")
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Validate checks thread identities and event ops.
func (t *Trace) Validate() error {
	seen := make(map[uint32]bool, len(t.Threads))
	for _, th := range t.Threads {
		if seen[th.ID] {
			return errors.Errorf("thread %d listed twice", th.ID)
		}
		seen[th.ID] = true
		for i, ev := range th.Events {
			if !knownOp(ev.Op) {
				return errors.Errorf("thread %d event %d: unknown op %q", th.ID, i, ev.Op)
			}
		}
	}
	for i, tp := range t.Trampolines {
		if tp.Code == "" && tp.Addr == 0 {
			return errors.Errorf("trampoline %d: addr or code is required", i)
		}
	}
	return nil
}

// Events returns the number of events over all threads.
func (t *Trace) Events() int {
	n := 0
	for _, th := range t.Threads {
		n += len(th.Events)
	}
	return n
}

func knownOp(op string) bool {
	switch op {
	case OpBlock, OpBegin, OpInvalidate, OpJump, OpFallthrough, OpCall,
		OpIJump, OpICall, OpRet, OpSyscall, OpResolve, OpSentinel, OpSigreturn:
		return true
	}
	return false
}
