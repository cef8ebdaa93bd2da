// Package zkp implements the simplified, hash-based anonymous tiered
// voting protocol (C8): a Fiat-Shamir-style commitment/challenge/response
// scheme over SHA-256, with a per-(node,proposal) nullifier that prevents
// double voting without revealing which node cast the vote.
package zkp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"synapse-ng/proposal"
	"synapse-ng/state"
)

// Reputation tiers and their fixed public voting weight (see
// package reputation's TierWeight, which mirrors this table).
const (
	TierNovice       = "novice"
	TierIntermediate = "intermediate"
	TierExpert       = "expert"
)

// Tier returns the public tier name for a reputation total.
func Tier(total float64) string {
	switch {
	case total <= 50:
		return TierNovice
	case total <= 150:
		return TierIntermediate
	default:
		return TierExpert
	}
}

func validTier(tier string) bool {
	return tier == TierNovice || tier == TierIntermediate || tier == TierExpert
}

// Proof is the package of values a voter emits to cast an anonymous vote.
type Proof struct {
	Tier       string    `json:"tier"`
	Nullifier  string    `json:"nullifier"`
	Commitment string    `json:"commitment"`
	Challenge  string    `json:"challenge"`
	Response   string    `json:"response"`
	Timestamp  time.Time `json:"timestamp"`
}

// NodeSecret derives the persistent ZKP secret from an Ed25519 signing
// private key's 32-byte seed. It must never be transmitted or logged.
func NodeSecret(signingSeed []byte) []byte {
	sum := sha256.Sum256(signingSeed)
	return sum[:]
}

// Nullifier derives the deterministic, per-(node,proposal) nullifier: the
// same node casting a second vote on the same proposal always produces
// the same nullifier, but the nullifier alone never identifies the node.
func Nullifier(nodeSecret []byte, proposalID string) string {
	h := sha256.Sum256([]byte(hex.EncodeToString(nodeSecret) + ":" + proposalID))
	return hex.EncodeToString(h[:])
}

// GenerateProof produces a Proof for casting an anonymous vote on
// proposalID given the caller's current reputation total and node secret.
func GenerateProof(nodeSecret []byte, reputationTotal float64, proposalID string, now time.Time) (*Proof, error) {
	tier := Tier(reputationTotal)
	nullifier := Nullifier(nodeSecret, proposalID)

	nonce := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("zkp: read nonce: %w", err)
	}

	commitment := hashString(fmt.Sprintf("%v:%s", reputationTotal, hex.EncodeToString(nonce)))
	challenge := hashString(fmt.Sprintf("%s:%s:%s:%s", commitment, tier, nullifier, proposalID))
	response := hashString(fmt.Sprintf("%s:%s:%s", hex.EncodeToString(nonce), hex.EncodeToString(nodeSecret), challenge))

	return &Proof{
		Tier:       tier,
		Nullifier:  nullifier,
		Commitment: commitment,
		Challenge:  challenge,
		Response:   response,
		Timestamp:  now,
	}, nil
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// Verify checks that proof's challenge was honestly derived from its
// commitment, tier, nullifier, and proposalID, that the tier is one of
// the three public tiers, and that the timestamp is fresh: no older than
// one hour, no more than one minute in the future relative to now.
//
// Verify does NOT check nullifier reuse — that is a stateful, per-proposal
// check the caller (CastAnonymousVote) performs against replicated state.
func Verify(proof *Proof, proposalID string, now time.Time) error {
	if proof == nil {
		return fmt.Errorf("%w: missing proof", state.ErrValidation)
	}
	if proof.Tier == "" || proof.Nullifier == "" || proof.Commitment == "" || proof.Challenge == "" || proof.Response == "" {
		return fmt.Errorf("%w: proof is missing required fields", state.ErrValidation)
	}
	if !validTier(proof.Tier) {
		return fmt.Errorf("%w: unknown tier %q", state.ErrValidation, proof.Tier)
	}
	if proof.Timestamp.Before(now.Add(-time.Hour)) {
		return fmt.Errorf("%w: proof timestamp is stale", state.ErrValidation)
	}
	if proof.Timestamp.After(now.Add(time.Minute)) {
		return fmt.Errorf("%w: proof timestamp is too far in the future", state.ErrValidation)
	}

	wantChallenge := hashString(fmt.Sprintf("%s:%s:%s:%s", proof.Commitment, proof.Tier, proof.Nullifier, proposalID))
	if wantChallenge != proof.Challenge {
		return fmt.Errorf("%w: challenge does not match recomputed value", state.ErrValidation)
	}

	return nil
}

// CastAnonymousVote verifies proof, rejects a reused nullifier with
// ErrConflict, records the nullifier in the global replicated set, and
// appends the vote to the proposal.
func CastAnonymousVote(store *state.Store, channelID, proposalID, vote string, proof *Proof, now time.Time) error {
	if vote != "yes" && vote != "no" {
		return fmt.Errorf("%w: vote must be yes or no", state.ErrValidation)
	}
	if err := Verify(proof, proposalID, now); err != nil {
		return err
	}

	var reused bool
	store.WithGlobal(func(g *state.Channel) {
		used := g.ZKPNullifiers[proposalID]
		if used != nil && used[proof.Nullifier] {
			reused = true
			return
		}
		if g.ZKPNullifiers[proposalID] == nil {
			g.ZKPNullifiers[proposalID] = map[string]bool{}
		}
		g.ZKPNullifiers[proposalID][proof.Nullifier] = true
	})
	if reused {
		return fmt.Errorf("%w: nullifier already used on proposal %s", state.ErrConflict, proposalID)
	}

	err := proposal.RecordAnonymousVote(store, channelID, proposalID, state.AnonymousVote{
		Vote:      vote,
		Tier:      proof.Tier,
		Nullifier: proof.Nullifier,
		Timestamp: proof.Timestamp,
	})
	if err != nil {
		return err
	}
	return nil
}
