package journey

import "journeygate/internal/domain"

type Stage struct {
	State                domain.JourneyState `json:"state"`
	Order                int                 `json:"order"`
	LabelJa              string              `json:"label_ja"`
	LabelEn              string              `json:"label_en"`
	RequiresProfessional bool                `json:"requires_professional"`
	Terminal             bool                `json:"terminal"`
}

var stages = []Stage{
	{State: domain.StateExploring, Order: 0, LabelJa: "情報収集", LabelEn: "Exploring"},
	{State: domain.StateSearching, Order: 1, LabelJa: "物件検索", LabelEn: "Searching"},
	{State: domain.StateEvaluating, Order: 2, LabelJa: "物件検討", LabelEn: "Evaluating"},
	{State: domain.StateNegotiating, Order: 3, LabelJa: "交渉中", LabelEn: "Negotiating", RequiresProfessional: true},
	{State: domain.StateContracting, Order: 4, LabelJa: "契約手続", LabelEn: "Contracting", RequiresProfessional: true},
	{State: domain.StateClosing, Order: 5, LabelJa: "引渡準備", LabelEn: "Closing"},
	{State: domain.StatePostPurchase, Order: 6, LabelJa: "購入完了", LabelEn: "Complete", Terminal: true},
}

func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

func StageOf(s domain.JourneyState) (Stage, bool) {
	for _, st := range stages {
		if st.State == s {
			return st, true
		}
	}
	return Stage{}, false
}

// Label returns the stage label for a locale, or the raw state name.
func Label(s domain.JourneyState, locale string) string {
	st, ok := StageOf(s)
	if !ok {
		return string(s)
	}
	if locale == "ja" {
		return st.LabelJa
	}
	return st.LabelEn
}

// Progress is the rounded completion percentage of a stage.
func Progress(s domain.JourneyState) int {
	st, ok := StageOf(s)
	if !ok {
		return 0
	}
	return ((st.Order+1)*200 + len(stages)) / (2 * len(stages))
}
