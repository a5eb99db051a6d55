package utils

// EstimateTokens gives a rough token count for provider budgeting.
// Average is ~4 characters per token for the models we target.
func EstimateTokens(text string) int {
	estimated := len(text) / 4
	if estimated < 1 {
		estimated = 1
	}
	return estimated
}
