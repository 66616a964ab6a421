package path

import "bytes"

// Assembly collects the fragments of one packet.
type Assembly struct {
	createdTicks int64                    // createdTicks is when the first fragment arrived
	expecting    uint8                    // expecting is the total fragment count, 0 until known
	have         uint8                    // have counts distinct fragments received
	fragments    [FragmentCountMax][]byte // fragments is indexed by fragment number
}

// newAssembly starts an empty assembly.
func newAssembly(timeTicks int64) *Assembly {
	return &Assembly{createdTicks: timeTicks}
}

// add stores a fragment and reports whether the packet is now complete.
// Out-of-range, duplicate and count-inconsistent fragments are ignored.
func (a *Assembly) add(fragmentNo, expecting uint8, payload []byte) bool {
	if expecting == 0 || expecting > FragmentCountMax || fragmentNo >= expecting {
		return false
	}

	if a.expecting == 0 {
		a.expecting = expecting
	} else if a.expecting != expecting {
		return false
	}

	if a.fragments[fragmentNo] != nil {
		return false
	}

	a.fragments[fragmentNo] = bytes.Clone(payload)
	if a.fragments[fragmentNo] == nil {
		a.fragments[fragmentNo] = []byte{}
	}
	a.have++

	return a.have == a.expecting
}

// CreatedTicks returns when the first fragment arrived.
func (a *Assembly) CreatedTicks() int64 {
	return a.createdTicks
}

// Fragments returns the fragment payloads in order.
func (a *Assembly) Fragments() [][]byte {
	return a.fragments[:a.expecting]
}

// Bytes returns the reassembled packet.
func (a *Assembly) Bytes() []byte {
	return bytes.Join(a.Fragments(), nil)
}
