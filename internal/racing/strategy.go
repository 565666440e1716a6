package racing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"runweaver/internal/domain"
)

// Strategy decides a race from the results recorded so far, in Seq order.
// done=true with an empty winner means no branch can win any more.
type Strategy interface {
	Name() string
	Select(results []domain.BranchResult, total int) (winnerID string, done bool)
}

type Factory func(arg string) (Strategy, error)

var (
	strategiesMu sync.RWMutex
	strategies   = map[string]Factory{
		"first_complete": func(string) (Strategy, error) { return FirstComplete{}, nil },
		"best_of_n":      newBestOfN,
	}
)

// RegisterStrategy adds or replaces a strategy factory under name.
func RegisterStrategy(name string, f Factory) {
	strategiesMu.Lock()
	defer strategiesMu.Unlock()
	strategies[name] = f
}

// LookupStrategy resolves "name" or "name:arg", for example "best_of_n:2".
func LookupStrategy(spec string) (Strategy, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	strategiesMu.RLock()
	f, ok := strategies[name]
	strategiesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", spec, domain.ErrUnknownStrategy)
	}
	s, err := f(arg)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %v: %w", spec, err, domain.ErrUnknownStrategy)
	}
	return s, nil
}

// FirstComplete picks the first recorded success. Results are recorded under
// the group lock, so two successes racing for the same instant are ordered
// by Seq and the earlier one wins.
type FirstComplete struct{}

func (FirstComplete) Name() string { return "first_complete" }

func (FirstComplete) Select(results []domain.BranchResult, total int) (string, bool) {
	ordered := bySeq(results)
	for _, r := range ordered {
		if r.Success {
			return r.BranchID, true
		}
	}
	return "", len(results) >= total
}

// BestOfN waits for N successes, or for every branch to report, and picks the
// highest score. Equal scores go to the earlier Seq. N <= 0 waits for all.
type BestOfN struct {
	N int
}

func newBestOfN(arg string) (Strategy, error) {
	if arg == "" {
		return BestOfN{}, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid best_of_n count %q", arg)
	}
	return BestOfN{N: n}, nil
}

func (BestOfN) Name() string { return "best_of_n" }

func (b BestOfN) Select(results []domain.BranchResult, total int) (string, bool) {
	need := b.N
	if need <= 0 || need > total {
		need = total
	}
	ordered := bySeq(results)
	successes := 0
	best := -1
	for i, r := range ordered {
		if !r.Success {
			continue
		}
		successes++
		if best < 0 || r.Score > ordered[best].Score {
			best = i
		}
	}
	if successes < need && len(results) < total {
		return "", false
	}
	if best < 0 {
		return "", true
	}
	return ordered[best].BranchID, true
}

func bySeq(results []domain.BranchResult) []domain.BranchResult {
	out := append([]domain.BranchResult(nil), results...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
