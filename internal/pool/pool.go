// Package pool implements the address pool for one VLAN subnet. The pool is
// an in-process cache: it is always reconstructible from the subnet CIDR plus
// a scan of addresses already attached on the cloud side, so losing it is
// never fatal.
package pool

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
)

var (
	ErrExhausted = errors.New("pool: no free addresses")
	ErrNotFound  = errors.New("pool: address not in subnet")
	ErrReserved  = errors.New("pool: address is reserved")
)

type State uint8

const (
	Free State = iota
	Reserved
	Allocated
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Allocated:
		return "allocated"
	}
	return "unknown"
}

type entry struct {
	state State
	owner string
}

// Pool tracks every address of the subnet: the network address, the first
// usable host and the broadcast address are permanently reserved, everything
// else starts free.
type Pool struct {
	subnet  netip.Prefix
	entries map[netip.Addr]*entry
	ordered []netip.Addr
}

func New(cidr string) (*Pool, error) {
	subnet, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subnet %q: %w", cidr, err)
	}
	if !subnet.Addr().Is4() {
		return nil, fmt.Errorf("subnet %q is not IPv4", cidr)
	}
	subnet = subnet.Masked()

	p := &Pool{
		subnet:  subnet,
		entries: make(map[netip.Addr]*entry),
	}

	network := subnet.Addr()
	broadcast := lastAddr(subnet)
	firstHost := network.Next()

	for addr := network; subnet.Contains(addr); addr = addr.Next() {
		e := &entry{state: Free}
		if addr == network || addr == broadcast || addr == firstHost {
			e.state = Reserved
		}
		p.entries[addr] = e
		p.ordered = append(p.ordered, addr)
	}
	return p, nil
}

// Rebuild recreates pool state from scratch: addresses seen attached on the
// cloud side or present in the durable lease mirror become allocated, the
// rest revert to free. Reserved entries never change. Addresses outside the
// subnet are ignored.
func Rebuild(cidr string, attached map[string]string, leases map[string]string) (*Pool, error) {
	p, err := New(cidr)
	if err != nil {
		return nil, err
	}
	mark := func(owners map[string]string) {
		for raw, owner := range owners {
			addr, err := netip.ParseAddr(NormalizeIP(raw))
			if err != nil {
				continue
			}
			e, inSubnet := p.entries[addr]
			if !inSubnet || e.state == Reserved {
				continue
			}
			e.state = Allocated
			if e.owner == "" {
				e.owner = owner
			}
		}
	}
	mark(attached)
	mark(leases)
	return p, nil
}

func (p *Pool) Subnet() netip.Prefix { return p.subnet }

// Allocate transitions the lowest-numbered free address to allocated with
// the given owner.
func (p *Pool) Allocate(owner string) (netip.Addr, error) {
	for _, addr := range p.ordered {
		e := p.entries[addr]
		if e.state != Free {
			continue
		}
		e.state = Allocated
		e.owner = owner
		return addr, nil
	}
	return netip.Addr{}, ErrExhausted
}

// Release frees an allocated address. Releasing an already-free address is a
// no-op success: callers retry after ambiguous network failures.
func (p *Pool) Release(raw string) error {
	addr, err := netip.ParseAddr(NormalizeIP(raw))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrNotFound, raw)
	}
	e, inSubnet := p.entries[addr]
	if !inSubnet {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	switch e.state {
	case Reserved:
		return fmt.Errorf("%w: %s", ErrReserved, addr)
	case Allocated:
		e.state = Free
		e.owner = ""
	}
	return nil
}

// Unallocate is the in-memory rollback for a failed durable write: it undoes
// a just-made allocation without the not-found/reserved checks of Release.
func (p *Pool) Unallocate(addr netip.Addr) {
	if e, inSubnet := p.entries[addr]; inSubnet && e.state == Allocated {
		e.state = Free
		e.owner = ""
	}
}

func (p *Pool) StateOf(addr netip.Addr) (State, string) {
	e, inSubnet := p.entries[addr]
	if !inSubnet {
		return Free, ""
	}
	return e.state, e.owner
}

// Allocated returns the allocated addresses in ascending order.
func (p *Pool) Allocated() []netip.Addr {
	var out []netip.Addr
	for _, addr := range p.ordered {
		if p.entries[addr].state == Allocated {
			out = append(out, addr)
		}
	}
	return out
}

func (p *Pool) FreeCount() int {
	n := 0
	for _, e := range p.entries {
		if e.state == Free {
			n++
		}
	}
	return n
}

// Snapshot writes the line-oriented persisted pool format: reserved
// addresses first, then allocated ones, one address per line.
func (p *Pool) Snapshot(w io.Writer) error {
	var reserved, allocated []string
	for _, addr := range p.ordered {
		switch p.entries[addr].state {
		case Reserved:
			reserved = append(reserved, addr.String())
		case Allocated:
			allocated = append(allocated, addr.String())
		}
	}
	for _, line := range append(reserved, allocated...) {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("failed to write pool snapshot: %w", err)
		}
	}
	return nil
}

// NormalizeIP strips an optional CIDR suffix and whitespace, turning
// "192.168.0.9/24" into "192.168.0.9". Historic writers recorded both forms.
func NormalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func lastAddr(subnet netip.Prefix) netip.Addr {
	raw := subnet.Addr().As4()
	bits := subnet.Bits()
	for i := 0; i < 4; i++ {
		hostBits := 8 - max(0, min(8, bits-i*8))
		raw[i] |= byte(1<<hostBits - 1)
	}
	return netip.AddrFrom4(raw)
}
