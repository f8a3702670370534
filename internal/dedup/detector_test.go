package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/models"
)

type fakeRepo struct {
	hashes map[string]bool
	pubs   []models.Publication
}

func (f *fakeRepo) HashEverPublished(ctx context.Context, hash string) (bool, error) {
	return f.hashes[hash], nil
}

func (f *fakeRepo) PublishedSince(ctx context.Context, accountID string, since time.Time) ([]models.Publication, error) {
	var out []models.Publication
	for _, p := range f.pubs {
		if p.PublishedAt.After(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func testDetector(repo *fakeRepo, now time.Time) *Detector {
	d := NewDetector(repo, 72*time.Hour, 0.80, logrus.NewEntry(logrus.New()))
	d.now = func() time.Time { return now }
	return d
}

// fpWithDistance builds a fingerprint at an exact Hamming distance from zero.
func fpWithDistance(bits int) uint64 {
	var fp uint64
	for i := 0; i < bits; i++ {
		fp |= 1 << uint(i)
	}
	return fp
}

func TestNormalizeText(t *testing.T) {
	got := NormalizeText("  Hello, World!!  It's   ME. ")
	want := "hello world its me"
	if got != want {
		t.Fatalf("NormalizeText = %q, want %q", got, want)
	}
}

func TestContentHashIgnoresPunctuationAndCase(t *testing.T) {
	a := ContentHash("Big News Today!")
	b := ContentHash("big news   today")
	if a != b {
		t.Fatalf("expected identical hashes for normalized-equal text")
	}
	if a == ContentHash("different text entirely") {
		t.Fatalf("expected different hashes for different text")
	}
}

func TestFingerprintProperties(t *testing.T) {
	base := "check out our brand new product launch this week with huge discounts"
	reworded := "check out our brand new product launch this month with huge discounts"
	unrelated := "rainy weather expected across the coast tomorrow morning"

	if Fingerprint(base) != Fingerprint(base) {
		t.Fatalf("fingerprint must be deterministic")
	}
	if s := Similarity(Fingerprint(base), Fingerprint(base)); s != 1 {
		t.Fatalf("identical text similarity = %v, want 1", s)
	}
	near := Similarity(Fingerprint(base), Fingerprint(reworded))
	far := Similarity(Fingerprint(base), Fingerprint(unrelated))
	if near <= far {
		t.Fatalf("expected reworded text (%.2f) more similar than unrelated (%.2f)", near, far)
	}
	if Fingerprint("") != 0 {
		t.Fatalf("empty text must fingerprint to zero")
	}
}

func TestHammingDistance(t *testing.T) {
	if d := HammingDistance(0, 0); d != 0 {
		t.Fatalf("distance(0,0) = %d", d)
	}
	if d := HammingDistance(0, fpWithDistance(13)); d != 13 {
		t.Fatalf("distance = %d, want 13", d)
	}
	if s := Similarity(0, fpWithDistance(64)); s != 0 {
		t.Fatalf("fully-flipped similarity = %v, want 0", s)
	}
}

func TestDetectorRejectsExactRepeat(t *testing.T) {
	hash := ContentHash("same post twice")
	repo := &fakeRepo{hashes: map[string]bool{hash: true}}
	d := testDetector(repo, time.Now())

	res, err := d.Check(context.Background(), "acct", hash, Fingerprint("same post twice"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Duplicate || !res.Exact {
		t.Fatalf("expected exact duplicate, got %+v", res)
	}
}

func TestDetectorRejectsNearDuplicateWithinCooldown(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// 10 differing bits is similarity 0.84, above the 0.80 threshold.
	repo := &fakeRepo{
		hashes: map[string]bool{},
		pubs: []models.Publication{{
			ID:          "p1",
			Fingerprint: fpWithDistance(10),
			PublishedAt: now.Add(-12 * time.Hour),
		}},
	}
	d := testDetector(repo, now)

	res, err := d.Check(context.Background(), "acct", "candidate-hash", 0)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Duplicate || res.Exact {
		t.Fatalf("expected near duplicate, got %+v", res)
	}
	if res.MatchID != "p1" {
		t.Fatalf("expected match p1, got %q", res.MatchID)
	}
}

func TestDetectorAllowsNearDuplicateAfterCooldown(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	repo := &fakeRepo{
		hashes: map[string]bool{},
		pubs: []models.Publication{{
			ID:          "p1",
			Fingerprint: fpWithDistance(10),
			PublishedAt: now.Add(-73 * time.Hour),
		}},
	}
	d := testDetector(repo, now)

	res, err := d.Check(context.Background(), "acct", "candidate-hash", 0)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("expected content allowed after cooldown, got %+v", res)
	}
}

func TestDetectorAllowsDissimilarContent(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// 20 differing bits is similarity 0.69, below the threshold.
	repo := &fakeRepo{
		hashes: map[string]bool{},
		pubs: []models.Publication{{
			ID:          "p1",
			Fingerprint: fpWithDistance(20),
			PublishedAt: now.Add(-time.Hour),
		}},
	}
	d := testDetector(repo, now)

	res, err := d.Check(context.Background(), "acct", "candidate-hash", 0)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("expected dissimilar content allowed, got %+v", res)
	}
	if res.MatchID != "p1" || res.Similarity == 0 {
		t.Fatalf("expected best match reported, got %+v", res)
	}
}
