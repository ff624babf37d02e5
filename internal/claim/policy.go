package claim

import (
	"sort"
	"strings"

	"github.com/holiman/uint256"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/task"
)

// Policy 从报价集合中选出最优报价。实现不得修改入参。
type Policy interface {
	Name() string
	SelectBest(claims []*task.Claim) (*task.Claim, error)
}

const (
	PolicyFirstArrival = "first_arrival"
	PolicyLowestPrice  = "lowest_price"
)

// FirstArrival 选择最先到达的报价。
type FirstArrival struct{}

// Name 返回策略名称。
func (FirstArrival) Name() string { return PolicyFirstArrival }

// SelectBest 返回 seq 最小的报价。
func (FirstArrival) SelectBest(claims []*task.Claim) (*task.Claim, error) {
	var best *task.Claim
	for _, c := range claims {
		if c == nil {
			continue
		}
		if best == nil || c.Seq < best.Seq {
			best = c
		}
	}
	if best == nil {
		return nil, task.ErrNoClaims
	}
	return best, nil
}

// LowestPrice 选择价格最低的报价，同价按到达顺序，无法解析的价格排在最后。
type LowestPrice struct{}

// Name 返回策略名称。
func (LowestPrice) Name() string { return PolicyLowestPrice }

// SelectBest 返回价格最低的报价。
func (LowestPrice) SelectBest(claims []*task.Claim) (*task.Claim, error) {
	type ranked struct {
		claim *task.Claim
		price *uint256.Int
	}
	candidates := make([]ranked, 0, len(claims))
	for _, c := range claims {
		if c == nil {
			continue
		}
		candidates = append(candidates, ranked{claim: c, price: parsePrice(c.Terms.Price)})
	}
	if len(candidates) == 0 {
		return nil, task.ErrNoClaims
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.price == nil && b.price == nil:
			return a.claim.Seq < b.claim.Seq
		case a.price == nil:
			return false
		case b.price == nil:
			return true
		}
		if cmp := a.price.Cmp(b.price); cmp != 0 {
			return cmp < 0
		}
		return a.claim.Seq < b.claim.Seq
	})
	return candidates[0].claim, nil
}

func parsePrice(raw string) *uint256.Int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil
	}
	return value
}

// PolicyByName 按名称解析选择策略，空名称返回 FirstArrival。
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyFirstArrival:
		return FirstArrival{}, nil
	case PolicyLowestPrice:
		return LowestPrice{}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的选择策略", xerrors.WithMetadata("policy", name))
	}
}
