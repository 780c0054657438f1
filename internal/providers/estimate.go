package providers

// Token estimation. The chars/4 heuristic is deliberately crude — it feeds
// admission control and cost scoring, not billing.

const (
	// DefaultMaxTokens is assumed for bucket accounting when the request
	// does not cap its output.
	DefaultMaxTokens = 1024

	// DefaultScoringOutputTokens is assumed for routing cost scoring when
	// neither estimatedOutputTokens nor maxTokens is present.
	DefaultScoringOutputTokens = 256

	charsPerToken = 4
)

// EstimateBucketTokens is the token-bucket charge for req:
// ceil(promptLen/4) + ceil(historyLen/4) + (maxTokens ?? 1024).
func EstimateBucketTokens(req *Request) int {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return ceilDiv(len(req.Prompt), charsPerToken) +
		ceilDiv(historyChars(req), charsPerToken) +
		maxTokens
}

// EstimateInputTokens is the input-token estimate used for cost scoring:
// the caller-supplied estimate when present, else ceil(promptLen/4).
func EstimateInputTokens(req *Request) int {
	if req.EstimatedInputTokens > 0 {
		return req.EstimatedInputTokens
	}
	return ceilDiv(len(req.Prompt), charsPerToken)
}

// EstimateOutputTokens is the output-token estimate used for cost scoring:
// estimatedOutputTokens ?? maxTokens ?? 256.
func EstimateOutputTokens(req *Request) int {
	if req.EstimatedOutputTokens > 0 {
		return req.EstimatedOutputTokens
	}
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return DefaultScoringOutputTokens
}

func historyChars(req *Request) int {
	n := 0
	for _, m := range req.Context.History {
		n += len(m.Content)
	}
	return n
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
