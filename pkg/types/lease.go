package types

import "time"

// built-in lease namespaces
const (
	NamespaceLocks = "locks" // general purpose named locks
	NamespaceHosts = "hosts" // cluster membership, path = node identity
)

// a lease record is the current holder of one path
// RenewedAt is the holder-supplied time of the last acquire or renewal,
// never the local clock of the replica that applied it
type LeaseRecord struct {
	Holder    string    `json:"holder"`
	RenewedAt time.Time `json:"renewed_at"`
}

// checks if the lease has expired at now
// strictly greater: a lease exactly ttl old is still valid
func (l LeaseRecord) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.RenewedAt) > ttl
}

// Resources describes what a cluster member brings to the pool.
type Resources struct {
	CPUs        int               `json:"cpus"`
	MemoryBytes uint64            `json:"memory_bytes"`
	GPUs        int               `json:"gpus"`
	Labels      map[string]string `json:"labels,omitempty"`
}
