package dht

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/permastore/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ValueResult is the outcome of a FIND_VALUE lookup.
type ValueResult struct {
	// Providers holds the merged provider records when Found is true.
	Providers []ProviderRecord
	// Closest holds the closest responding contacts to the key.
	Closest []Contact
	Found   bool
	Rounds  int
}

// LookupEngine runs iterative Kademlia lookups over the routing table.
type LookupEngine struct {
	self      NodeID
	table     *RoutingTable
	rpc       *RPC
	k         int
	alpha     int
	maxRounds int
	timeout   time.Duration
	clock     crypto.TimeProvider

	hookMu    sync.RWMutex
	onNoSeeds func()
}

// NewLookupEngine creates a lookup engine.
func NewLookupEngine(table *RoutingTable, rpc *RPC, cfg *Config) *LookupEngine {
	return &LookupEngine{
		self:      table.Self(),
		table:     table,
		rpc:       rpc,
		k:         cfg.K,
		alpha:     cfg.Alpha,
		maxRounds: cfg.MaxRounds,
		timeout:   cfg.LookupTimeout,
		clock:     crypto.OrDefault(cfg.Clock),
	}
}

// OnNoSeeds sets the hook run when a lookup finds the routing table empty.
func (e *LookupEngine) OnNoSeeds(fn func()) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onNoSeeds = fn
}

// FindNode returns up to k of the closest responding contacts to target.
func (e *LookupEngine) FindNode(ctx context.Context, target NodeID) ([]Contact, error) {
	res, err := e.run(ctx, target, false)
	if err != nil {
		return nil, err
	}
	return res.Closest, nil
}

// FindValue looks for provider records under key, stopping at the first
// round in which any queried node returns them.
func (e *LookupEngine) FindValue(ctx context.Context, key NodeID) (*ValueResult, error) {
	return e.run(ctx, key, true)
}

// candidate is a shortlist entry private to one lookup.
type candidate struct {
	contact   Contact
	queried   bool
	responded bool
}

// queryResult is what one RPC of a round produced.
type queryResult struct {
	cand      *candidate
	contacts  []Contact
	providers []ProviderRecord
	found     bool
	err       error
}

// lookupState is the per-lookup shortlist. Only the goroutine running the
// lookup touches it.
type lookupState struct {
	target    NodeID
	self      NodeID
	k         int
	shortlist []*candidate
	known     map[NodeID]*candidate
	failed    map[NodeID]bool
}

func newLookupState(self, target NodeID, k int, seeds []Contact) *lookupState {
	s := &lookupState{
		target: target,
		self:   self,
		k:      k,
		known:  make(map[NodeID]*candidate),
		failed: make(map[NodeID]bool),
	}
	s.add(seeds)
	return s
}

// add merges contacts into the shortlist, keeping the k closest.
func (s *lookupState) add(contacts []Contact) {
	for _, c := range contacts {
		if c.ID == s.self || c.ID.IsZero() || s.failed[c.ID] {
			continue
		}
		if _, ok := s.known[c.ID]; ok {
			continue
		}
		cand := &candidate{contact: c}
		s.known[c.ID] = cand
		s.shortlist = append(s.shortlist, cand)
	}

	sort.Slice(s.shortlist, func(i, j int) bool {
		return CloserTo(s.target, s.shortlist[i].contact.ID, s.shortlist[j].contact.ID)
	})
	if len(s.shortlist) > s.k {
		for _, dropped := range s.shortlist[s.k:] {
			if !dropped.queried {
				delete(s.known, dropped.contact.ID)
			}
		}
		s.shortlist = s.shortlist[:s.k]
	}
}

// unqueried returns up to n unqueried candidates, closest first.
func (s *lookupState) unqueried(n int) []*candidate {
	var out []*candidate
	for _, c := range s.shortlist {
		if !c.queried {
			out = append(out, c)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

// closest returns the closest candidate ID, if any.
func (s *lookupState) closest() (NodeID, bool) {
	if len(s.shortlist) == 0 {
		return NodeID{}, false
	}
	return s.shortlist[0].contact.ID, true
}

// fail removes a candidate that did not answer.
func (s *lookupState) fail(c *candidate) {
	s.failed[c.contact.ID] = true
	delete(s.known, c.contact.ID)
	for i, sc := range s.shortlist {
		if sc == c {
			s.shortlist = append(s.shortlist[:i], s.shortlist[i+1:]...)
			break
		}
	}
}

// responders returns the contacts that answered, closest first.
func (s *lookupState) responders() []Contact {
	out := make([]Contact, 0, len(s.shortlist))
	for _, c := range s.shortlist {
		if c.responded {
			out = append(out, c.contact)
		}
	}
	return out
}

func (e *LookupEngine) run(ctx context.Context, target NodeID, wantValue bool) (*ValueResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	seeds := e.table.FindClosest(target, e.k)
	if len(seeds) == 0 {
		e.hookMu.RLock()
		hook := e.onNoSeeds
		e.hookMu.RUnlock()
		if hook != nil {
			hook()
		}
		return nil, ErrLookupNoSeeds
	}

	state := newLookupState(e.self, target, e.k, seeds)
	res := &ValueResult{}
	var providers [][]ProviderRecord

	for res.Rounds < e.maxRounds && ctx.Err() == nil {
		batch := state.unqueried(e.alpha)
		if len(batch) == 0 {
			break
		}
		before, _ := state.closest()

		res.Rounds++
		found := e.merge(state, e.query(ctx, batch, target, wantValue), &providers)
		if found {
			res.Found = true
			break
		}

		after, ok := state.closest()
		if ok && CloserTo(target, after, before) {
			continue
		}

		// No progress: query every remaining candidate among the k closest once, then stop.
		sweep := state.unqueried(e.k)
		if len(sweep) == 0 || ctx.Err() != nil {
			break
		}
		res.Rounds++
		if e.merge(state, e.query(ctx, sweep, target, wantValue), &providers) {
			res.Found = true
		}
		break
	}

	e.table.Touch(BucketIndex(e.self, target))

	res.Closest = state.responders()
	if res.Found {
		res.Providers = mergeProviders(e.clock.Now(), providers...)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "lookup",
		"target":     target.Short(),
		"want_value": wantValue,
		"rounds":     res.Rounds,
		"responders": len(res.Closest),
		"found":      res.Found,
	}).Debug("Lookup finished")

	return res, nil
}

// query issues one RPC per candidate with at most alpha in flight. Results
// are written to distinct slots and merged by the caller after all return.
func (e *LookupEngine) query(ctx context.Context, batch []*candidate, target NodeID, wantValue bool) []queryResult {
	results := make([]queryResult, len(batch))

	g := new(errgroup.Group)
	g.SetLimit(e.alpha)
	for i, cand := range batch {
		i, cand := i, cand
		cand.queried = true
		g.Go(func() error {
			r := queryResult{cand: cand}
			if wantValue {
				r.providers, r.contacts, r.found, r.err = e.rpc.FindValue(ctx, cand.contact, target)
			} else {
				r.contacts, r.err = e.rpc.FindNode(ctx, cand.contact, target)
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// merge folds a round's results into the state and reports whether any
// provider records were returned.
func (e *LookupEngine) merge(state *lookupState, results []queryResult, providers *[][]ProviderRecord) bool {
	found := false
	for _, r := range results {
		if r.err != nil {
			state.fail(r.cand)
			continue
		}
		r.cand.responded = true
		if r.found && len(r.providers) > 0 {
			*providers = append(*providers, r.providers)
			found = true
		}
		state.add(r.contacts)
	}
	return found
}
