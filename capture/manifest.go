package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hazyhaar/harvest/canon"
)

// Manifest is the sidecar JSON written next to every artifact.
type Manifest struct {
	Platform     string `json:"platform"`
	AccountLabel string `json:"account_label"`
	ShopName     string `json:"shop_name"`
	ShopID       string `json:"shop_id,omitempty"`
	DataDomain   string `json:"data_domain"`
	Subtype      string `json:"subtype,omitempty"`
	Granularity  string `json:"granularity"`
	StartDate    string `json:"start_date,omitempty"`
	EndDate      string `json:"end_date,omitempty"`
	ExportedAt   string `json:"exported_at"`
	FilePath     string `json:"file_path"`
	SourceSignal string `json:"source_signal"`
	SizeBytes    int64  `json:"size_bytes"`
}

// ManifestPath returns the manifest location of an artifact.
func ManifestPath(artifactPath string) string { return artifactPath + ".json" }

func newManifest(p canon.Params, a *Artifact) Manifest {
	m := Manifest{
		Platform:     p.Platform,
		AccountLabel: p.AccountLabel,
		ShopName:     p.ShopName,
		ShopID:       p.ShopID,
		DataDomain:   p.DataDomain,
		Subtype:      p.Subtype,
		Granularity:  canon.GranularityOf(p),
		ExportedAt:   a.CapturedAt.Format(time.RFC3339),
		FilePath:     a.Path,
		SourceSignal: string(a.SourceSignal),
		SizeBytes:    a.Size,
	}
	if !p.Start.IsZero() {
		m.StartDate = p.Start.Format(canon.DateLayout)
	}
	if !p.End.IsZero() {
		m.EndDate = p.End.Format(canon.DateLayout)
	}
	return m
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("capture: encode manifest: %w", err)
	}
	data = append(data, '\n')
	if err := writeAtomic(path, data); err != nil {
		return err
	}
	return nil
}

// ReadManifest loads the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capture: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("capture: decode manifest %s: %w", path, err)
	}
	return &m, nil
}
