package transcript

// charsPerToken is the fallback heuristic when the agent reported no usage.
const charsPerToken = 4

// MessageTokens returns the best token estimate for one message: reported
// output tokens when present, character heuristic otherwise.
func MessageTokens(m Message) int {
	if m.Usage.OutputTokens > 0 {
		return m.Usage.OutputTokens
	}
	n := len(m.Content) / charsPerToken
	if n == 0 && len(m.Content) > 0 {
		n = 1
	}
	return n
}

// EstimateTokens sums token estimates over a message slice.
func EstimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += MessageTokens(m)
	}
	return total
}

// TotalTokens is the estimate over the whole transcript.
func (t *Transcript) TotalTokens() int {
	return EstimateTokens(t.Messages)
}
