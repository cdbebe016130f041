// Package cost converts model token usage into an estimated dollar cost.
package cost

import "math"

const (
	InputShare  = 0.7
	OutputShare = 0.3

	// Per 1,000 tokens.
	InputRate  = 0.00015
	OutputRate = 0.0006
)

type Usage struct {
	TotalTokens  int     `json:"total_tokens"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Split divides a total token count using the fixed input/output ratio.
// Negative totals are treated as zero.
func Split(tokensUsed int) (input, output int) {
	if tokensUsed <= 0 {
		return 0, 0
	}
	input = int(math.Floor(float64(tokensUsed) * InputShare))
	output = int(math.Floor(float64(tokensUsed) * OutputShare))
	return input, output
}

func Calculate(tokensUsed int) float64 {
	return Estimate(tokensUsed).Cost
}

func Estimate(tokensUsed int) Usage {
	input, output := Split(tokensUsed)
	return Usage{
		TotalTokens:  max(tokensUsed, 0),
		InputTokens:  input,
		OutputTokens: output,
		Cost:         float64(input)/1000*InputRate + float64(output)/1000*OutputRate,
	}
}
