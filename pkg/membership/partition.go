package membership

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pixperk/holdfast/pkg/client"
	"github.com/pixperk/holdfast/pkg/fsm"
)

// Assignment is one node's share of the work: its position in the sorted
// list of live members.
type Assignment struct {
	Self    string   `json:"self"`
	Ordinal int      `json:"ordinal"` //-1 when self is not a live member
	Size    int      `json:"size"`
	Members []string `json:"members"`
}

// Assign computes self's assignment over members, in any order.
func Assign(self string, members []string) Assignment {
	sorted := slices.Clone(members)
	sort.Strings(sorted)

	return Assignment{
		Self:    self,
		Ordinal: slices.Index(sorted, self),
		Size:    len(sorted),
		Members: sorted,
	}
}

// Owner returns the ordinal responsible for item, -1 with no members.
func (a Assignment) Owner(item string) int {
	if a.Size == 0 {
		return -1
	}
	return int(xxhash.Sum64String(item) % uint64(a.Size))
}

// Owns reports whether item falls to this node.
func (a Assignment) Owns(item string) bool {
	return a.Ordinal >= 0 && a.Owner(item) == a.Ordinal
}

func (a Assignment) Equal(b Assignment) bool {
	return a.Self == b.Self && a.Ordinal == b.Ordinal && slices.Equal(a.Members, b.Members)
}

// Partitioner recomputes the assignment of one identity as membership
// changes.
type Partitioner struct {
	client *client.Client
	self   string
	poll   time.Duration
}

// NewPartitioner watches the namespace of c. poll bounds how late an
// expiry is noticed, since lazy expiry changes membership without any
// command being applied.
func NewPartitioner(c *client.Client, self string, poll time.Duration) *Partitioner {
	if poll <= 0 {
		poll = time.Second
	}
	return &Partitioner{client: c, self: self, poll: poll}
}

func (p *Partitioner) Current() Assignment {
	members := p.client.Members()
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Path
	}
	return Assign(p.self, ids)
}

// Watch calls fn with the current assignment and again every time it
// changes, until ctx ends.
func (p *Partitioner) Watch(ctx context.Context, fn func(Assignment)) error {
	changed := make(chan struct{}, 1)
	namespace := p.client.Namespace()
	cancel := p.client.Subscribe(func(ev fsm.Event) {
		if ev.Namespace != namespace {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	last := p.Current()
	fn(last)

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
		}

		cur := p.Current()
		if cur.Equal(last) {
			continue
		}
		last = cur
		fn(cur)
	}
}
