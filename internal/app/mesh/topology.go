package mesh

import "github.com/dkeye/voicemesh/internal/domain"

// Topology decides which links the local participant holds and which side
// opens them. Swapping it (for an SFU uplink, say) leaves the per-peer state
// machine untouched.
type Topology interface {
	// Wants reports whether self keeps a direct link to remote.
	Wants(self, remote domain.UserID) bool
	// Initiator reports whether self sends the offer for that link.
	Initiator(self, remote domain.UserID) bool
}

// FullMesh links every pair once; the lexicographically smaller id offers.
type FullMesh struct{}

func (FullMesh) Wants(self, remote domain.UserID) bool { return self != remote }

func (FullMesh) Initiator(self, remote domain.UserID) bool { return self < remote }
