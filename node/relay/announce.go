package relay

import "blockrelay.dev/node/p2p"

// AnnounceMode is how a new block is pushed to a peer.
type AnnounceMode int

const (
	AnnounceInv AnnounceMode = iota
	AnnounceHeaders
	AnnounceCompact
)

func (m AnnounceMode) String() string {
	switch m {
	case AnnounceCompact:
		return "cmpctblock"
	case AnnounceHeaders:
		return "headers"
	default:
		return "inv"
	}
}

// Announcement is the per-connection negotiated relay mode.
type Announcement struct {
	// Negotiated is set once the peer has sent a sendcmpct we understand.
	// From then on we fetch its blocks as compact blocks.
	Negotiated bool
	// Announce asks us to push new blocks as cmpctblock without an inv.
	Announce    bool
	SendHeaders bool
}

// ApplySendCmpct folds a sendcmpct into the state. Versions other than the
// one we speak are accepted and ignored. It reports whether anything changed.
func (a *Announcement) ApplySendCmpct(p p2p.SendCmpctPayload) bool {
	if p.Version != p2p.CompactBlocksVersion {
		return false
	}
	before := *a
	a.Negotiated = true
	a.Announce = p.Announce
	return before != *a
}

// Mode picks how the next new block is announced to this peer.
func (a Announcement) Mode() AnnounceMode {
	switch {
	case a.Negotiated && a.Announce:
		return AnnounceCompact
	case a.SendHeaders:
		return AnnounceHeaders
	default:
		return AnnounceInv
	}
}

// BlockRequestType is the getdata type used to fetch a block this peer
// announced.
func (a Announcement) BlockRequestType() uint32 {
	if a.Negotiated {
		return p2p.InvTypeCmpctBlock
	}
	return p2p.InvTypeBlock
}
