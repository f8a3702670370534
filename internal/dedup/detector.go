package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/models"
)

// Repository is the slice of the store the detector reads.
type Repository interface {
	HashEverPublished(ctx context.Context, hash string) (bool, error)
	PublishedSince(ctx context.Context, accountID string, since time.Time) ([]models.Publication, error)
}

// Result explains a duplicate decision. Reason is empty when the content is
// allowed.
type Result struct {
	Duplicate  bool    `json:"duplicate"`
	Exact      bool    `json:"exact"`
	Similarity float64 `json:"similarity"`
	MatchID    string  `json:"match_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Detector runs both mandatory checks: exact content-hash uniqueness across
// everything ever published, and near-duplicate fingerprint comparison within
// a cooldown window. Threshold and cooldown are configuration.
type Detector struct {
	repo          Repository
	cooldown      time.Duration
	maxSimilarity float64
	now           func() time.Time
	log           *logrus.Entry
}

func NewDetector(repo Repository, cooldown time.Duration, maxSimilarity float64, log *logrus.Entry) *Detector {
	return &Detector{
		repo:          repo,
		cooldown:      cooldown,
		maxSimilarity: maxSimilarity,
		now:           time.Now,
		log:           log,
	}
}

// Check decides whether the candidate content may publish.
func (d *Detector) Check(ctx context.Context, accountID, contentHash string, fingerprint uint64) (Result, error) {
	exact, err := d.repo.HashEverPublished(ctx, contentHash)
	if err != nil {
		return Result{}, fmt.Errorf("exact duplicate check: %w", err)
	}
	if exact {
		return Result{
			Duplicate:  true,
			Exact:      true,
			Similarity: 1,
			Reason:     "exact content hash already published",
		}, nil
	}

	cutoff := d.now().Add(-d.cooldown)
	recent, err := d.repo.PublishedSince(ctx, accountID, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("near duplicate check: %w", err)
	}

	best := Result{}
	for _, pub := range recent {
		score := Similarity(fingerprint, pub.Fingerprint)
		if score > best.Similarity {
			best.Similarity = score
			best.MatchID = pub.ID
		}
	}

	if best.Similarity >= d.maxSimilarity {
		best.Duplicate = true
		best.Reason = fmt.Sprintf("similar to publication %s within cooldown (similarity %.2f)", best.MatchID, best.Similarity)
		d.log.WithFields(logrus.Fields{
			"match":      best.MatchID,
			"similarity": best.Similarity,
		}).Info("near-duplicate rejected")
		return best, nil
	}

	return best, nil
}
