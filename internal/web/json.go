package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sweeney/flow-sensor/internal/history"
)

// UsageJSON is the response of /api/usage/{channel}.
type UsageJSON struct {
	Channel int     `json:"channel"`
	Amount  float64 `json:"amount"`
	Usage   string  `json:"usage"`
	Units   string  `json:"units"`
}

// HistoryJSON is the response of /api/history.
type HistoryJSON struct {
	Runs []RunJSON `json:"runs"`
}

// RunJSON is one recorded run.
type RunJSON struct {
	ID              string            `json:"id"`
	Start           string            `json:"start"`
	End             string            `json:"end"`
	DurationSeconds int64             `json:"duration_seconds"`
	Units           string            `json:"units"`
	Cycles          int               `json:"cycles"`
	Amounts         []decimal.Decimal `json:"amounts"` // decimal strings, 2 dp
	Total           decimal.Decimal   `json:"total"`
}

func formatHistory(runs []history.Run) HistoryJSON {
	out := HistoryJSON{Runs: make([]RunJSON, 0, len(runs))}
	for _, r := range runs {
		amounts := make([]decimal.Decimal, len(r.Amounts))
		total := decimal.Zero
		for i, a := range r.Amounts {
			amounts[i] = a
			total = total.Add(a)
		}
		out.Runs = append(out.Runs, RunJSON{
			ID:              r.ID,
			Start:           r.Start.UTC().Format(time.RFC3339),
			End:             r.End.UTC().Format(time.RFC3339),
			DurationSeconds: int64(r.End.Sub(r.Start).Truncate(time.Second).Seconds()),
			Units:           string(r.Units),
			Cycles:          r.Cycles,
			Amounts:         amounts,
			Total:           total,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
