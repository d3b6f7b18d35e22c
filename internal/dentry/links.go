package dentry

import (
	"github.com/wimtools/wimount/internal/wim"
	"github.com/wimtools/wimount/pkg/types"
)

// Group returns the hard-link group identity. Open handles snapshot this
// value so the staging split can test membership without walking the ring.
func (d *Dentry) Group() uint64 {
	return d.group
}

// SetGroup assigns a fresh group identity. Only valid on singleton rings.
func (d *Dentry) SetGroup(id uint64) {
	if d.linkNext != d {
		panic("dentry: regrouping a linked dentry")
	}
	d.group = id
}

// GroupSize returns the number of dentries in d's hard-link ring.
func (d *Dentry) GroupSize() int {
	n := 1
	for m := d.linkNext; m != d; m = m.linkNext {
		n++
	}
	return n
}

// GroupMembers visits every member of d's ring, starting with d.
func (d *Dentry) GroupMembers(fn func(*Dentry)) {
	fn(d)
	for m := d.linkNext; m != d; m = m.linkNext {
		fn(m)
	}
}

// JoinGroup splices d into other's hard-link ring as a slave, adopting the
// group identity. d must be a singleton.
func (d *Dentry) JoinGroup(other *Dentry) {
	d.group = other.group
	d.Master = false
	d.linkNext = other.linkNext
	d.linkPrev = other
	other.linkNext.linkPrev = d
	other.linkNext = d
}

// LeaveGroup removes d from its ring, making it a singleton master. If d
// was the master of a larger group, mastership passes to the next member.
func (d *Dentry) LeaveGroup() {
	if d.linkNext == d {
		return
	}
	if d.Master {
		d.linkNext.Master = true
	}
	d.linkPrev.linkNext = d.linkNext
	d.linkNext.linkPrev = d.linkPrev
	d.linkNext = d
	d.linkPrev = d
	d.Master = true
}

// StreamRef addresses one effective stream of a dentry: the primary stream
// when ADS is nil, otherwise the named side stream. Resolution returns one
// of these so that staging divergence can overwrite the hash slot in place.
type StreamRef struct {
	Dentry *Dentry
	ADS    *ADS
}

// Hash reads the addressed hash slot.
func (r StreamRef) Hash() wim.Hash {
	if r.ADS != nil {
		return r.ADS.Hash
	}
	return r.Dentry.Hash
}

// SetHash overwrites the addressed hash slot.
func (r StreamRef) SetHash(h wim.Hash) {
	if r.ADS != nil {
		r.ADS.Hash = h
	} else {
		r.Dentry.Hash = h
	}
}

// Primary reports whether the reference addresses the primary stream.
func (r StreamRef) Primary() bool {
	return r.ADS == nil
}

// EffectiveStreams returns references to the primary stream plus every ADS.
func (d *Dentry) EffectiveStreams() []StreamRef {
	refs := make([]StreamRef, 0, 1+len(d.Streams))
	refs = append(refs, StreamRef{Dentry: d})
	for _, s := range d.Streams {
		refs = append(refs, StreamRef{Dentry: d, ADS: s})
	}
	return refs
}

// Stream returns the ADS with the given native name, or nil.
func (d *Dentry) Stream(name string) *ADS {
	for _, s := range d.Streams {
		if s.Name.Native == name {
			return s
		}
	}
	return nil
}

// AddStream attaches a new empty alternate data stream.
func (d *Dentry) AddStream(name string) (*ADS, error) {
	if d.Stream(name) != nil {
		return nil, types.ErrExists
	}
	s := &ADS{Name: wim.EncodeNames(name)}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// RemoveStream detaches an alternate data stream.
func (d *Dentry) RemoveStream(ads *ADS) {
	for i, s := range d.Streams {
		if s == ads {
			d.Streams = append(d.Streams[:i], d.Streams[i+1:]...)
			return
		}
	}
}
