package tasks

import (
	"fmt"
	"sort"
	"time"

	"synapse-ng/state"
)

// PlaceBid records caller's sealed bid on an open auction task. The caller
// must supply its current reputation, which is snapshotted into the bid
// at submission time (bids are LWW per caller, so a resubmission simply
// replaces the prior bid with a fresher timestamp).
func PlaceBid(store *state.Store, channelID, taskID, caller string, amount, estimatedDays int64, reputation float64, now time.Time) error {
	var outErr error
	store.WithChannel(channelID, func(c *state.Channel) {
		task, ok := c.Tasks[taskID]
		if !ok {
			outErr = fmt.Errorf("%w: task %s", state.ErrNotFound, taskID)
			return
		}
		auction := task.Auction
		if auction == nil || !auction.Enabled {
			outErr = fmt.Errorf("%w: task %s has no open auction", state.ErrValidation, taskID)
			return
		}
		if auction.Status != state.TaskOpen {
			outErr = fmt.Errorf("%w: auction for task %s is not open", state.ErrConflict, taskID)
			return
		}
		if now.After(auction.Deadline) {
			outErr = fmt.Errorf("%w: auction for task %s is past its deadline", state.ErrConflict, taskID)
			return
		}
		if amount <= 0 || amount > auction.MaxReward {
			outErr = fmt.Errorf("%w: bid amount must be in (0, %d]", state.ErrValidation, auction.MaxReward)
			return
		}
		if estimatedDays <= 0 {
			outErr = fmt.Errorf("%w: estimated_days must be positive", state.ErrValidation)
			return
		}

		if auction.Bids == nil {
			auction.Bids = map[string]state.Bid{}
		}
		auction.Bids[caller] = state.Bid{
			Amount:        amount,
			EstimatedDays: estimatedDays,
			Reputation:    reputation,
			Timestamp:     now,
		}
		task.UpdatedAt = now
	})
	return outErr
}

// SelectWinner scores every bid on an auction task using the weighted
// multi-criteria formula (40% cost, 40% reputation, 20% speed) and
// finalizes the auction in favor of the highest scorer, breaking ties by
// ascending peer id. Callable by the task owner before the deadline, or
// by the closure loop at/after the deadline.
func SelectWinner(store *state.Store, channelID, taskID string, now time.Time) (winner string, err error) {
	store.WithChannel(channelID, func(c *state.Channel) {
		task, ok := c.Tasks[taskID]
		if !ok {
			err = fmt.Errorf("%w: task %s", state.ErrNotFound, taskID)
			return
		}
		auction := task.Auction
		if auction == nil || !auction.Enabled {
			err = fmt.Errorf("%w: task %s has no auction", state.ErrValidation, taskID)
			return
		}
		if len(auction.Bids) == 0 {
			err = fmt.Errorf("%w: no bids on task %s", state.ErrConflict, taskID)
			return
		}

		winner = pickWinner(auction.Bids, auction.MaxReward)

		auction.Status = "finalized"
		auction.SelectedBid = winner
		task.Status = state.TaskClaimed
		task.Assignee = winner
		task.Reward = auction.Bids[winner].Amount
		task.UpdatedAt = now
	})
	return winner, err
}

// pickWinner implements the scoring formula from scenario S2: cost is
// normalized against max_reward (via the bid itself — callers only ever
// see bids ≤ max_reward), reputation and speed are normalized against the
// maximum seen among the bids.
func pickWinner(bids map[string]state.Bid, maxReward int64) string {
	var maxReputation, maxDays float64
	peers := make([]string, 0, len(bids))
	for peer, bid := range bids {
		peers = append(peers, peer)
		if bid.Reputation > maxReputation {
			maxReputation = bid.Reputation
		}
		if float64(bid.EstimatedDays) > maxDays {
			maxDays = float64(bid.EstimatedDays)
		}
	}
	sort.Strings(peers)

	best := ""
	bestScore := -1.0
	for _, peer := range peers {
		bid := bids[peer]
		score := bidScore(bid, maxReward, maxReputation, maxDays)
		if score > bestScore {
			bestScore = score
			best = peer
		}
	}
	return best
}

func bidScore(bid state.Bid, maxReward int64, maxReputation, maxDays float64) float64 {
	cost := 0.0
	if maxReward > 0 {
		cost = float64(maxReward-bid.Amount) / float64(maxReward)
	}
	rep := 0.0
	if maxReputation > 0 {
		rep = bid.Reputation / maxReputation
	}
	speed := 0.0
	if maxDays > 0 && bid.EstimatedDays > 0 {
		speed = (1 / float64(bid.EstimatedDays)) / (1 / maxDays)
	}
	return 0.4*cost + 0.4*rep + 0.2*speed
}

// CloseExpiredAuctions runs the 30s auction-closure loop body: every open
// auction past its deadline is finalized if it has bids, or reverted to
// manual-claim (status = closed, task reopened) if it has none.
func CloseExpiredAuctions(store *state.Store, channelID string, now time.Time) {
	var expired []string
	store.WithChannel(channelID, func(c *state.Channel) {
		for id, task := range c.Tasks {
			a := task.Auction
			if a != nil && a.Enabled && a.Status == state.TaskOpen && now.After(a.Deadline) {
				expired = append(expired, id)
			}
		}
	})
	sort.Strings(expired)

	for _, id := range expired {
		hasBids := false
		store.WithChannel(channelID, func(c *state.Channel) {
			task := c.Tasks[id]
			hasBids = task != nil && len(task.Auction.Bids) > 0
		})
		if hasBids {
			_, _ = SelectWinner(store, channelID, id, now)
			continue
		}
		store.WithChannel(channelID, func(c *state.Channel) {
			task := c.Tasks[id]
			if task == nil || task.Auction == nil {
				return
			}
			task.Auction.Status = "closed"
			task.Status = state.TaskOpen
			task.UpdatedAt = now
		})
	}
}
