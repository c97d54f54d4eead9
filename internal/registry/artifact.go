package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// ArtifactMeta is the caller-supplied metadata accompanying a trained model
// blob. The blob itself is opaque to the registry.
type ArtifactMeta struct {
	LineageID       string            `json:"lineage_id"`
	TrainedAt       time.Time         `json:"trained_at"`
	Hyperparameters map[string]string `json:"hyperparameters"`
	Metrics         map[string]float64 `json:"metrics"`
}

// Artifact is a registered, immutable model version.
type Artifact struct {
	Version         int64              `json:"version"`
	LineageID       string             `json:"lineage_id"`
	TrainedAt       time.Time          `json:"trained_at"`
	RegisteredAt    time.Time          `json:"registered_at"`
	Hyperparameters map[string]string  `json:"hyperparameters"`
	Metrics         map[string]float64 `json:"metrics"`
	// Signature identifies lineage + hyperparameters; duplicate registrations
	// are detected through it.
	Signature string `json:"signature"`
	// ContentHash covers blob bytes and metrics; equal hashes make
	// re-registration an idempotent no-op.
	ContentHash string `json:"content_hash"`
	// BlobPath is the artifact file name inside the artifacts directory.
	BlobPath string `json:"blob_path"`
}

// PromotionRecord is one entry of an alias's promotion history.
type PromotionRecord struct {
	Version    int64     `json:"version"`
	PromotedAt time.Time `json:"promoted_at"`
}

// AliasState maps a symbolic alias to exactly one version, with the ordered
// history of previously promoted versions (oldest first).
type AliasState struct {
	Alias     string            `json:"alias"`
	Version   int64             `json:"version"`
	History   []PromotionRecord `json:"history"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CommitResult reports an atomic alias commit.
type CommitResult struct {
	Alias           string    `json:"alias"`
	Version         int64     `json:"version"`
	PreviousVersion int64     `json:"previous_version"`
	CommittedAt     time.Time `json:"committed_at"`
}

// signatureOf hashes the lineage id plus the canonically ordered
// hyperparameters.
func signatureOf(meta ArtifactMeta) string {
	h := sha256.New()
	fmt.Fprintf(h, "lineage=%s\n", meta.LineageID)
	keys := make([]string, 0, len(meta.Hyperparameters))
	for k := range meta.Hyperparameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, meta.Hyperparameters[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// contentHashOf hashes the blob plus the canonically ordered metrics.
func contentHashOf(blob []byte, meta ArtifactMeta) string {
	h := sha256.New()
	h.Write(blob)
	keys := make([]string, 0, len(meta.Metrics))
	for k := range meta.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\n%s=%.17g", k, meta.Metrics[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
