package services

import (
	"context"
	"fmt"
	"strings"

	"docuquery-backend/internal/ai"
	"docuquery-backend/internal/logger"
	"docuquery-backend/models"
	"docuquery-backend/utils"
)

const insufficientAnswer = "I couldn't find relevant information in the document to answer your question."

// insufficiencyMarkers flag answers where the model declined to answer from
// the provided context.
var insufficiencyMarkers = []string{
	"couldn't find",
	"could not find",
	"cannot find",
	"does not contain",
	"doesn't contain",
	"no information",
	"not found in the context",
	"unable to answer",
}

// SynthesisResult is one grounded answer with its confidence and citations.
type SynthesisResult struct {
	Answer       string
	Confidence   float64
	Sources      []models.Citation
	ChunksUsed   int
	TokensUsed   int
	Insufficient bool
}

// AnswerSynthesizer turns retrieved passages into a grounded answer. The
// context sent to the model is capped by a token budget; passages are spent
// on it in rank order, so budget pressure drops the weakest passages first.
type AnswerSynthesizer struct {
	llm         ai.LLMClient
	tokenBudget int
	maxTokens   int
	temperature float32
}

func NewAnswerSynthesizer(llm ai.LLMClient, tokenBudget, maxTokens int) *AnswerSynthesizer {
	if tokenBudget <= 0 {
		tokenBudget = 3000
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnswerSynthesizer{
		llm:         llm,
		tokenBudget: tokenBudget,
		maxTokens:   maxTokens,
		temperature: 0.1,
	}
}

// Synthesize answers the question from the passages. With no passages it
// returns the insufficiency answer immediately, without calling the model.
func (s *AnswerSynthesizer) Synthesize(ctx context.Context, documentTitle, question string, passages []RetrievedPassage) (*SynthesisResult, error) {
	if len(passages) == 0 {
		return &SynthesisResult{
			Answer:       insufficientAnswer,
			Confidence:   confidence(0, 0, true),
			Insufficient: true,
		}, nil
	}

	kept := s.fitBudget(passages)
	contextText := buildContext(kept)

	system := fmt.Sprintf(`You are an expert document analyst answering questions about the document %q.

Rules:
1. Use ONLY the provided context passages.
2. If the context does not contain the answer, say so clearly.
3. Be precise and concise.
4. Reference passages where possible, e.g. "According to Passage 2".
5. Never invent information that is not in the context.

CONTEXT:
%s`, documentTitle, contextText)

	prompt := fmt.Sprintf("QUESTION: %s\n\nAnswer based solely on the context above.", question)

	result, err := s.llm.Complete(ctx, ai.CompletionRequest{
		System:      system,
		Prompt:      prompt,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	answer := strings.TrimSpace(result.Text)
	insufficient := isInsufficient(answer)

	out := &SynthesisResult{
		Answer:       answer,
		Confidence:   confidence(kept[0].Score, len(kept), insufficient),
		Sources:      citations(kept),
		ChunksUsed:   len(kept),
		TokensUsed:   result.TotalTokens,
		Insufficient: insufficient,
	}

	if len(kept) < len(passages) {
		logger.Debug("Context budget dropped passages",
			"retrieved", len(passages), "used", len(kept), "budget", s.tokenBudget)
	}
	return out, nil
}

// fitBudget keeps the highest-ranked passages whose combined size fits the
// token budget. The top passage is always kept.
func (s *AnswerSynthesizer) fitBudget(passages []RetrievedPassage) []RetrievedPassage {
	kept := passages[:1]
	spent := utils.EstimateTokens(passages[0].Chunk.Text)

	for _, p := range passages[1:] {
		cost := utils.EstimateTokens(p.Chunk.Text)
		if spent+cost > s.tokenBudget {
			break
		}
		kept = append(kept, p)
		spent += cost
	}
	return kept
}

func buildContext(passages []RetrievedPassage) string {
	var sb strings.Builder
	for i, p := range passages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[Passage %d", i+1)
		if p.Chunk.Page != nil {
			fmt.Fprintf(&sb, ", page %d", *p.Chunk.Page)
		}
		sb.WriteString("]\n")
		sb.WriteString(p.Chunk.Text)
	}
	return sb.String()
}

func citations(passages []RetrievedPassage) []models.Citation {
	out := make([]models.Citation, len(passages))
	for i, p := range passages {
		preview := p.Chunk.Text
		if len(preview) > 150 {
			preview = preview[:150] + "..."
		}
		out[i] = models.Citation{
			ChunkID:    p.Chunk.ChunkID,
			ChunkIndex: p.Chunk.ChunkIndex,
			Page:       p.Chunk.Page,
			Preview:    preview,
			Score:      p.Score,
		}
	}
	return out
}

func isInsufficient(answer string) bool {
	lower := strings.ToLower(answer)
	for _, marker := range insufficiencyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// confidence scores an answer in [0, 1]. It rises with the top retrieval
// score and with the number of passages used, and collapses when the model
// declined to answer. With no passages the result stays below 0.2.
func confidence(topScore float64, used int, insufficient bool) float64 {
	if topScore < 0 {
		topScore = 0
	}
	if topScore > 1 {
		topScore = 1
	}
	if used > 5 {
		used = 5
	}

	c := 0.15 + 0.6*topScore + 0.05*float64(used)
	if insufficient {
		c *= 0.25
	}

	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
