package orchestrator

import (
	"testing"

	"github.com/CryptoLens/lensgate/internal/model"
)

func TestFingerprintNormalizesEquivalentRequests(t *testing.T) {
	a := model.AnalysisRequest{
		ProjectID:    "uniswap",
		AnalysisType: model.AnalysisFull,
		TokenAddress: "0x1F9840A85D5AF5BF1D1762F925BDADDC4201F984",
		ChainID:      1,
		Options:      map[string]string{"depth": "deep", "window": "30d"},
	}
	b := model.AnalysisRequest{
		ProjectID:    "uniswap",
		AnalysisType: model.AnalysisFull,
		TokenAddress: "0x1f9840a85d5af5bf1d1762f925bdaddc4201f984", // lowercased
		ChainID:      1,
		Options:      map[string]string{"window": "30d", "depth": "deep"}, // reordered
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("equivalent requests must share a fingerprint")
	}
}

func TestFingerprintDiscriminates(t *testing.T) {
	base := model.AnalysisRequest{ProjectID: "uniswap", AnalysisType: model.AnalysisFull, ChainID: 1}

	variants := []model.AnalysisRequest{
		{ProjectID: "aave", AnalysisType: model.AnalysisFull, ChainID: 1},
		{ProjectID: "uniswap", AnalysisType: model.AnalysisOnchain, ChainID: 1},
		{ProjectID: "uniswap", AnalysisType: model.AnalysisFull, ChainID: 137},
		{ProjectID: "uniswap", AnalysisType: model.AnalysisFull, ChainID: 1, Options: map[string]string{"depth": "deep"}},
	}
	seen := map[string]bool{Fingerprint(base): true}
	for i, v := range variants {
		fp := Fingerprint(v)
		if seen[fp] {
			t.Fatalf("variant %d collides", i)
		}
		seen[fp] = true
	}
}
