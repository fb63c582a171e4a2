package orchestrator

import (
	"time"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/shopspring/decimal"
)

// aggregate folds the settled per-service outcomes into one scored
// response. Scores and confidence come only from successful services;
// each failure contributes a warning. All-failed is the only fatal case.
func (e *Engine) aggregate(req model.AnalysisRequest, required []string, results map[string]*model.ServiceResult, correlationID string) (*model.AnalysisResult, error) {
	var (
		weightedSum   = decimal.Zero
		weightTotal   = decimal.Zero
		confidenceSum = decimal.Zero
		succeeded     int
		warnings      []string
	)

	for _, name := range required {
		sr := results[name]
		if sr == nil { // defensive: every required service must have settled
			sr = &model.ServiceResult{ServiceName: name, Status: model.StatusError, Error: "no result"}
			results[name] = sr
		}
		if sr.Status != model.StatusSuccess {
			warnings = append(warnings, name+"_unavailable")
			continue
		}
		weight := decimal.NewFromFloat(e.cfg.ServiceFor(name).Weight)
		if weight.LessThanOrEqual(decimal.Zero) {
			weight = decimal.NewFromInt(1)
		}
		weightedSum = weightedSum.Add(decimal.NewFromFloat(sr.Score).Mul(weight))
		weightTotal = weightTotal.Add(weight)
		confidenceSum = confidenceSum.Add(decimal.NewFromFloat(sr.Confidence))
		succeeded++
	}

	if succeeded == 0 {
		return nil, apperrors.NewServiceUnavailable("all required analysis services failed")
	}

	overall := weightedSum.Div(weightTotal)
	score, _ := overall.Round(0).Float64()

	// confidence = 成功占比 × 各成功服务置信度均值
	fraction := decimal.NewFromInt(int64(succeeded)).Div(decimal.NewFromInt(int64(len(required))))
	avgConfidence := confidenceSum.Div(decimal.NewFromInt(int64(succeeded)))
	confidence, _ := fraction.Mul(avgConfidence).Round(4).Float64()

	result := &model.AnalysisResult{
		ProjectID:       req.ProjectID,
		AnalysisType:    req.AnalysisType,
		OverallScore:    score,
		Confidence:      confidence,
		RiskLevel:       model.RiskLevelForScore(score),
		Services:        results,
		Warnings:        warnings,
		Recommendations: recommendations(score, warnings),
		CorrelationID:   correlationID,
		Timestamp:       time.Now().UTC(),
	}
	return result, nil
}

func recommendations(score float64, warnings []string) []string {
	var recs []string
	switch {
	case score < 25:
		recs = append(recs, "avoid: multiple critical risk signals")
	case score < 45:
		recs = append(recs, "high caution: significant risk factors detected")
	case score < 65:
		recs = append(recs, "moderate risk: review individual service findings")
	}
	if len(warnings) > 0 {
		recs = append(recs, "partial data: re-run the analysis for full coverage")
	}
	return recs
}
