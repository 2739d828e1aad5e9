package siege

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errBackendDown = errors.New("backend down")

// fakeRegions: in-memory ProtectionBackend с инъекцией ошибок.
type fakeRegions struct {
	mu        sync.Mutex
	flags     map[TerritoryID]FlagSet
	failGet   map[Flag]bool
	failSet   map[Flag]bool
	setCalls  int
	existsErr error
	// afterSet вызывается после успешной записи флага, вне mu.
	afterSet func(id TerritoryID, flag Flag)
}

func newFakeRegions() *fakeRegions {
	return &fakeRegions{
		flags:   make(map[TerritoryID]FlagSet),
		failGet: make(map[Flag]bool),
		failSet: make(map[Flag]bool),
	}
}

func (f *fakeRegions) add(id TerritoryID, flags FlagSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs := DefaultProtectedFlags()
	for k, v := range flags {
		fs[k] = v
	}
	f.flags[id] = fs
}

func (f *fakeRegions) get(id TerritoryID) FlagSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(FlagSet, len(f.flags[id]))
	for k, v := range f.flags[id] {
		out[k] = v
	}
	return out
}

func (f *fakeRegions) RegionExists(_ context.Context, id TerritoryID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.flags[id]
	return ok, nil
}

func (f *fakeRegions) GetFlag(_ context.Context, id TerritoryID, flag Flag) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet[flag] {
		return false, errBackendDown
	}
	fs, ok := f.flags[id]
	if !ok {
		return false, fmt.Errorf("no region %s", id)
	}
	return fs[flag], nil
}

func (f *fakeRegions) SetFlag(_ context.Context, id TerritoryID, flag Flag, value bool) error {
	f.mu.Lock()
	f.setCalls++
	if f.failSet[flag] {
		f.mu.Unlock()
		return errBackendDown
	}
	fs, ok := f.flags[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("no region %s", id)
	}
	fs[flag] = value
	hook := f.afterSet
	f.mu.Unlock()

	if hook != nil {
		hook(id, flag)
	}
	return nil
}

// fakeEconomy: in-memory Economy с инъекцией ошибок.
type fakeEconomy struct {
	mu          sync.Mutex
	balances    map[AccountID]float64
	balanceErr  error
	withdrawErr error
	failDeposit map[AccountID]bool
	withdrawals int
}

func newFakeEconomy() *fakeEconomy {
	return &fakeEconomy{
		balances:    make(map[AccountID]float64),
		failDeposit: make(map[AccountID]bool),
	}
}

func (e *fakeEconomy) set(acc AccountID, v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[acc] = v
}

func (e *fakeEconomy) balance(acc AccountID) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[acc]
}

func (e *fakeEconomy) Balance(_ context.Context, acc AccountID, _ string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.balanceErr != nil {
		return 0, e.balanceErr
	}
	return e.balances[acc], nil
}

func (e *fakeEconomy) Withdraw(_ context.Context, acc AccountID, _ string, amount float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.withdrawErr != nil {
		return e.withdrawErr
	}
	if e.balances[acc] < amount {
		return ErrInsufficientFunds
	}
	e.withdrawals++
	e.balances[acc] -= amount
	return nil
}

func (e *fakeEconomy) Deposit(_ context.Context, acc AccountID, _ string, amount float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failDeposit[acc] {
		return errBackendDown
	}
	e.balances[acc] += amount
	return nil
}

// fakeWorld: членство, онлайн и геометрия территорий.
type fakeWorld struct {
	members map[TerritoryID][]ActorID
	owners  map[TerritoryID]ActorID
	online  map[ActorID]bool
	inside  map[TerritoryID]Location
	defense map[TerritoryID]Location
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		members: make(map[TerritoryID][]ActorID),
		owners:  make(map[TerritoryID]ActorID),
		online:  make(map[ActorID]bool),
		inside:  make(map[TerritoryID]Location),
		defense: make(map[TerritoryID]Location),
	}
}

func (w *fakeWorld) IsOnline(a ActorID) bool { return w.online[a] }

func (w *fakeWorld) OnlineMembersOf(t TerritoryID) []ActorID {
	var out []ActorID
	for _, m := range w.members[t] {
		if w.online[m] {
			out = append(out, m)
		}
	}
	return out
}

func (w *fakeWorld) MembersOf(t TerritoryID) []ActorID { return append([]ActorID(nil), w.members[t]...) }

func (w *fakeWorld) OwnerOf(t TerritoryID) ActorID { return w.owners[t] }

func (w *fakeWorld) Contains(t TerritoryID, loc Location) bool {
	in, ok := w.inside[t]
	return ok && in == loc
}

func (w *fakeWorld) DefenseMarker(t TerritoryID) (Location, bool) {
	loc, ok := w.defense[t]
	return loc, ok
}

// fakeIndex: занятые осадой территории.
type fakeIndex map[TerritoryID]bool

func (f fakeIndex) IsBusy(t TerritoryID) bool { return f[t] }
